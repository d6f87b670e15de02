package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_NotifiesOnlyOnTransitions(t *testing.T) {
	m := NewMonitor(false, adapter.NullLogger())

	var mu sync.Mutex
	var got []bool
	unsubscribe := m.Subscribe(func(online bool) {
		mu.Lock()
		got = append(got, online)
		mu.Unlock()
	})

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, m.IsOnline())

	unsubscribe()
	unsubscribe()
	m.SetOnline(true)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, m.Subscribers())
}

func TestMonitor_SubscriberMayUnsubscribeDuringCallback(t *testing.T) {
	m := NewMonitor(false, adapter.NullLogger())

	calls := 0
	var unsubscribe func()
	unsubscribe = m.Subscribe(func(bool) {
		calls++
		unsubscribe()
	})

	m.SetOnline(true)
	m.SetOnline(false)
	assert.Equal(t, 1, calls)
}

func TestProber_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	m := NewMonitor(false, adapter.NullLogger())
	p := NewProber(srv.URL, 0, 0, m, adapter.NullLogger())

	require.True(t, p.Probe(context.Background()), "any HTTP response means reachable")
	assert.True(t, m.IsOnline())

	srv.Close()
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestProber_CancelledContextLeavesStateAlone(t *testing.T) {
	m := NewMonitor(true, adapter.NullLogger())
	p := NewProber("http://127.0.0.1:1", 0, 0, m, adapter.NullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Probe(ctx))
	assert.True(t, m.IsOnline())
}
