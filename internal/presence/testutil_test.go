package presence

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/presencecore/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.FromClient(client), mr
}

// newPubSubClient opens a second client at the same miniredis address, the
// way production code reserves a duplicate connection exclusively for the
// Event Bus (spec.md §5).
func newPubSubClient(t *testing.T, s *store.Store) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Client.Options().Addr})
	t.Cleanup(func() { client.Close() })
	return client
}
