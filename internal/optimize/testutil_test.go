package optimize

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/eventbus"
	"github.com/adred-codev/presencecore/internal/presence"
	"github.com/adred-codev/presencecore/internal/store"
)

func newTestService(t *testing.T) (*presence.Service, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pubsub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { pubsub.Close() })

	s := store.FromClient(client)
	bus := eventbus.New(pubsub, nil)
	t.Cleanup(func() { bus.Close() })

	svc := presence.NewService(s, bus, nil, 30*time.Second)
	return svc, s, mr
}
