package optimize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatBatcherCoalescesConcurrentCalls(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "room-1", "u2", "c2", nil)
	require.NoError(t, err)

	batcher := NewHeartbeatBatcher(svc, 30*time.Millisecond, 1000, nil)
	defer batcher.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := batcher.Heartbeat(ctx, "room-1", "c1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := batcher.Heartbeat(ctx, "room-1", "c2"); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("heartbeat failed: %v", err)
	}
}

func TestHeartbeatBatcherFlushesOnMaxSize(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := svc.Join(ctx, "room-1", "u1", id, nil)
		require.NoError(t, err)
	}

	// window is long enough that only the size threshold should trigger a
	// flush within the test's timeout.
	batcher := NewHeartbeatBatcher(svc, time.Hour, 3, nil)
	defer batcher.Close()

	done := make(chan struct{}, 3)
	for _, id := range []string{"c1", "c2", "c3"} {
		go func(connID string) {
			_, _ = batcher.Heartbeat(ctx, "room-1", connID)
			done <- struct{}{}
		}(id)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("heartbeat batch did not flush on reaching maxAny")
		}
	}
}

func TestHeartbeatBatcherRejectsAfterClose(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Join(ctx, "room-1", "u1", "c1", nil)
	require.NoError(t, err)

	batcher := NewHeartbeatBatcher(svc, time.Hour, 1000, nil)
	batcher.Close()

	_, err = batcher.Heartbeat(ctx, "room-1", "c1")
	assert.ErrorIs(t, err, errBatcherClosed)
}
