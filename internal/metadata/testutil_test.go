package metadata

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/eventbus"
	"github.com/adred-codev/presencecore/internal/store"
)

func newTestStoreAndBus(t *testing.T) (*store.Store, *eventbus.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pubsub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { pubsub.Close() })

	bus := eventbus.New(pubsub, nil)
	t.Cleanup(func() { bus.Close() })

	return store.FromClient(client), bus
}
