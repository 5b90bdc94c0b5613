package profile

import (
	"fmt"
	"os"
	"sync"
)

// Lock is an exclusive hold on a profile directory. It is advisory and
// process-wide: a second Lock on the same profile fails with ErrLocked even
// from the same process.
type Lock struct {
	name string
	path string
	f    *os.File
	once sync.Once
	err  error
}

func acquire(name, path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file for %s: %w", name, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock profile %s: %w", name, err)
	}

	// Leave the holder's pid for humans.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{name: name, path: path, f: f}, nil
}

// Name is the locked profile.
func (l *Lock) Name() string { return l.name }

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if err := unlockFile(l.f); err != nil {
			l.err = fmt.Errorf("unlock profile %s: %w", l.name, err)
		}
		if err := l.f.Close(); err != nil && l.err == nil {
			l.err = err
		}
	})
	return l.err
}
