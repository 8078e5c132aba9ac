package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/pkg/types"
)

var (
	_ types.NetworkMonitor = Static(true)
	_ types.NetworkMonitor = (*Switchable)(nil)
)

func TestSwitchable(t *testing.T) {
	s := NewSwitchable(false)
	var seen []bool
	unsubscribe := s.Subscribe(func(v bool) { seen = append(seen, v) })

	s.Set(true)
	s.Set(true)
	s.Set(false)
	assert.Equal(t, []bool{true, false}, seen, "only changes are delivered")
	assert.False(t, s.IsAvailable())

	unsubscribe()
	unsubscribe()
	s.Set(true)
	assert.Len(t, seen, 2)
	assert.True(t, s.IsAvailable())
}

func TestStatic(t *testing.T) {
	assert.True(t, NewStatic(true).IsAvailable())
	assert.False(t, NewStatic(false).IsAvailable())
	NewStatic(true).Subscribe(func(bool) { t.Fatal("static monitors never notify") })()
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewSwitchable(false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Probe(ctx, s, ln.Addr().String(), 10*time.Millisecond, time.Second)
		close(done)
	}()

	require.Eventually(t, s.IsAvailable, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
