package browser

import "fmt"

// PortRange is a contiguous block of DevTools ports.
type PortRange struct {
	Base int `json:"base" yaml:"base" toml:"base" envconfig:"BASE"`
	Size int `json:"size" yaml:"size" toml:"size" envconfig:"SIZE"`
}

// DefaultPortRange returns 9300-9999.
func DefaultPortRange() PortRange {
	return PortRange{Base: DefaultPortBase, Size: DefaultPortSize}
}

// Validate reports a range that cannot hold any port.
func (r PortRange) Validate() error {
	if r.Size <= 0 {
		return fmt.Errorf("port range size must be positive, got %d", r.Size)
	}
	if r.Base <= 0 || r.Base+r.Size-1 > 65535 {
		return fmt.Errorf("port range %d+%d is outside 1-65535", r.Base, r.Size)
	}
	return nil
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Base && port < r.Base+r.Size
}

// PortFor maps a profile name onto the range. The mapping is a 31-multiplier
// string hash over the name's bytes, wrapped to a signed 32-bit integer, so
// any implementation of the same fold agrees on the port.
func (r PortRange) PortFor(name string) int {
	var h int32
	for i := 0; i < len(name); i++ {
		h = h*31 + int32(name[i])
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v%int64(r.Size)) + r.Base
}

// PortFor maps name onto the default range.
func PortFor(name string) int {
	return DefaultPortRange().PortFor(name)
}
