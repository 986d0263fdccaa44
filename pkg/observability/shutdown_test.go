package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsFuncsInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)

	var order []string
	sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "db"); return nil })
	sm.RegisterShutdownFunc(func(context.Context) error { order = append(order, "cache"); return nil })
	sm.RegisterShutdownFunc(nil)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"cache", "db"}, order)
}

func TestShutdownManager_CountsFailures(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)
	sm.RegisterShutdownFunc(func(context.Context) error { return errors.New("boom") })
	sm.RegisterShutdownFunc(func(context.Context) error { return nil })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 errors")
}

func TestShutdownManager_StopsServer(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(nil, time.Second, server)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.ErrorIs(t, server.ListenAndServe(), http.ErrServerClosed)
}

func TestShutdownManager_ExpiredContext(t *testing.T) {
	sm := NewShutdownManager(nil, time.Second)
	called := false
	sm.RegisterShutdownFunc(func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.False(t, called)
}

func TestNewShutdownManager_DefaultTimeout(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)
}
