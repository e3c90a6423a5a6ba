package signal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *atomic.Int32) {
	t.Helper()
	var forced atomic.Int32
	h := NewHandler(context.Background(), WithForce(func() { forced.Add(1) }))
	t.Cleanup(h.Stop)
	return h, &forced
}

func TestHandler_FirstSignalCancels(t *testing.T) {
	h, forced := newTestHandler(t)
	require.NoError(t, h.Context().Err())

	h.handleSignal()

	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	select {
	case <-h.Interrupted():
	default:
		t.Fatal("interrupted channel should be closed")
	}
	assert.Equal(t, 1, h.Received())
	assert.Zero(t, forced.Load())
}

func TestHandler_SecondSignalForces(t *testing.T) {
	h, forced := newTestHandler(t)

	h.handleSignal()
	h.handleSignal()
	h.handleSignal()

	assert.Equal(t, 3, h.Received())
	assert.Equal(t, int32(1), forced.Load(), "force runs once")
}

func TestHandler_ListenDeliversSignals(t *testing.T) {
	h, forced := newTestHandler(t)

	h.sigChan <- nil
	<-h.Interrupted()
	h.sigChan <- nil

	require.Eventually(t, func() bool { return forced.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.Received())
}

func TestHandler_InterruptedOpenInitially(t *testing.T) {
	h, _ := newTestHandler(t)

	select {
	case <-h.Interrupted():
		t.Fatal("interrupted channel should be open initially")
	default:
	}
	assert.Zero(t, h.Received())
}

func TestHandler_StopIsIdempotent(t *testing.T) {
	h := NewHandler(context.Background(), WithForce(func() {}))

	h.Stop()
	h.Stop()

	assert.Error(t, h.Context().Err())
	select {
	case <-h.Interrupted():
		t.Fatal("stop is not an interrupt")
	default:
	}
}

func TestHandler_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	h := NewHandler(parent, WithForce(func() {}))
	defer h.Stop()

	cancel()

	assert.Error(t, h.Context().Err())
}
