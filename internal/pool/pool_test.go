package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct {
	port     int
	closed   atomic.Bool
	closeErr error
	closes   atomic.Int32
}

func (h *fakeHandle) Closed() bool { return h.closed.Load() }
func (h *fakeHandle) Port() int    { return h.port }

func (h *fakeHandle) Close(ctx context.Context) error {
	h.closes.Add(1)
	h.closed.Store(true)
	return h.closeErr
}

func TestAddGetHas(t *testing.T) {
	p := New()
	h := &fakeHandle{port: 9321}
	require.NoError(t, p.Add("p1", h))

	got, err := p.Get("p1")
	require.NoError(t, err)
	assert.Same(t, h, got)
	assert.True(t, p.Has("p1"))

	err = p.Add("p1", &fakeHandle{port: 9321})
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, p.Len())
}

func TestGetAbsent(t *testing.T) {
	p := New()
	_, err := p.Get("nobody")
	require.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ReasonAbsent, nf.Reason)
	assert.Equal(t, "nobody", nf.Name)
}

func TestGetEvictsClosedHandle(t *testing.T) {
	var evicted []string
	p := New(WithEvictHook(func(name, reason string) {
		evicted = append(evicted, name+":"+reason)
	}))
	h := &fakeHandle{port: 9321}
	require.NoError(t, p.Add("p1", h))
	h.closed.Store(true)

	// Has does not check liveness.
	assert.True(t, p.Has("p1"))

	_, err := p.Get("p1")
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ReasonClosed, nf.Reason)

	assert.False(t, p.Has("p1"))
	assert.Equal(t, []string{"p1:closed"}, evicted)

	_, err = p.Get("p1")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, ReasonAbsent, nf.Reason)
}

func TestAddReplacesClosedEntry(t *testing.T) {
	p := New()
	old := &fakeHandle{port: 1}
	require.NoError(t, p.Add("p1", old))
	old.closed.Store(true)

	fresh := &fakeHandle{port: 2}
	require.NoError(t, p.Add("p1", fresh))
	got, err := p.Get("p1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestRemoveDoesNotClose(t *testing.T) {
	p := New()
	h := &fakeHandle{port: 1}
	require.NoError(t, p.Add("p1", h))
	p.Remove("p1")
	p.Remove("p1")
	assert.False(t, p.Has("p1"))
	assert.Zero(t, h.closes.Load())
}

func TestListSortedWithLiveness(t *testing.T) {
	p := New()
	dead := &fakeHandle{port: 9500}
	require.NoError(t, p.Add("zed", &fakeHandle{port: 9400}))
	require.NoError(t, p.Add("alice", &fakeHandle{port: 9740}))
	require.NoError(t, p.Add("mid", dead))
	dead.closed.Store(true)

	list := p.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{"alice", "mid", "zed"}, []string{list[0].Name, list[1].Name, list[2].Name})
	assert.Equal(t, 9740, list[0].Port)
	assert.True(t, list[0].Alive)
	assert.False(t, list[1].Alive)
	assert.False(t, list[0].CreatedAt.IsZero())

	name, ok := p.PortOwner(9400)
	assert.True(t, ok)
	assert.Equal(t, "zed", name)
	_, ok = p.PortOwner(1)
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	p := New()
	a, b := &fakeHandle{port: 1}, &fakeHandle{port: 2}
	require.NoError(t, p.Add("a", a))
	require.NoError(t, p.Add("b", b))
	b.closed.Store(true)

	assert.Equal(t, 1, p.Sweep())
	assert.True(t, p.Has("a"))
	assert.False(t, p.Has("b"))
	assert.Zero(t, p.Sweep())
}

func TestCloseAllToleratesPartialFailure(t *testing.T) {
	var mu sync.Mutex
	reasons := map[string]string{}
	p := New(WithEvictHook(func(name, reason string) {
		mu.Lock()
		reasons[name] = reason
		mu.Unlock()
	}))

	ok1 := &fakeHandle{port: 1}
	bad := &fakeHandle{port: 2, closeErr: errors.New("browser hung")}
	ok2 := &fakeHandle{port: 3}
	require.NoError(t, p.Add("ok1", ok1))
	require.NoError(t, p.Add("bad", bad))
	require.NoError(t, p.Add("ok2", ok2))

	err := p.CloseAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `close "bad"`)
	assert.Contains(t, err.Error(), "browser hung")

	for _, h := range []*fakeHandle{ok1, bad, ok2} {
		assert.EqualValues(t, 1, h.closes.Load())
	}
	assert.Zero(t, p.Len())
	assert.Equal(t, map[string]string{"ok1": "shutdown", "bad": "shutdown", "ok2": "shutdown"}, reasons)

	assert.NoError(t, p.CloseAll(context.Background()))
}

func TestConcurrentAccess(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			_ = p.Add(name, &fakeHandle{port: i})
			_, _ = p.Get(name)
			_ = p.List()
			p.Sweep()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, p.Len())
}
