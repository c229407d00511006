package source

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
)

type chanNotifier struct {
	ch       chan ports.SourceChange
	closed   atomic.Bool
	closeErr error
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{ch: make(chan ports.SourceChange, 4)}
}

func (n *chanNotifier) Changes() <-chan ports.SourceChange { return n.ch }

func (n *chanNotifier) Close() error {
	if n.closed.CompareAndSwap(false, true) {
		close(n.ch)
	}
	return n.closeErr
}

func TestMerge_Single(t *testing.T) {
	n := newChanNotifier()
	assert.Same(t, ports.ChangeNotifierPort(n), Merge(n))
}

func TestMerge_FansIn(t *testing.T) {
	a, b := newChanNotifier(), newChanNotifier()
	m := Merge(a, b)

	a.ch <- ports.SourceChange{OwnerID: "u1"}
	b.ch <- ports.SourceChange{OwnerID: "u2"}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-m.Changes():
			got[c.OwnerID] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for merged change")
		}
	}
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, got)

	require.NoError(t, m.Close())
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestMerge_ClosesWhenInputsClose(t *testing.T) {
	a, b := newChanNotifier(), newChanNotifier()
	m := Merge(a, b)

	_ = a.Close()
	_ = b.Close()

	select {
	case _, ok := <-m.Changes():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("merged channel did not close")
	}
}

func TestMerge_CloseJoinsErrors(t *testing.T) {
	a, b := newChanNotifier(), newChanNotifier()
	a.closeErr = errors.New("broker gone")
	m := Merge(a, b)

	err := m.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
	assert.NoError(t, m.Close())
}
