package browser

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortForKnownVectors(t *testing.T) {
	cases := map[string]int{
		"":            9300,
		"p1":          9321,
		"default":     9805,
		"alice":       9740,
		"shop-bot-07": 9636,
	}
	for name, want := range cases {
		assert.Equal(t, want, PortFor(name), "PortFor(%q)", name)
	}
}

func TestPortForDeterministicAndInRange(t *testing.T) {
	r := PortRange{Base: 20000, Size: 50}
	require.NoError(t, r.Validate())

	for i := 0; i < 2000; i++ {
		name := fmt.Sprintf("profile-%d", i)
		p := r.PortFor(name)
		assert.True(t, r.Contains(p), "port %d for %q outside range", p, name)
		assert.Equal(t, p, r.PortFor(name))
	}
}

func TestPortForNegativeHash(t *testing.T) {
	// "shop-bot-07" folds to a negative int32.
	p := PortFor("shop-bot-07")
	assert.True(t, DefaultPortRange().Contains(p))
}

func TestPortRangeValidate(t *testing.T) {
	assert.Error(t, PortRange{Base: 9300, Size: 0}.Validate())
	assert.Error(t, PortRange{Base: 65500, Size: 100}.Validate())
	assert.NoError(t, DefaultPortRange().Validate())
}
