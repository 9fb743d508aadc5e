package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/corestreamio/streamstore/store"
)

func kvTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("STREAMSTORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STREAMSTORE_TEST_REDIS_ADDR not set, skipping kv substrate test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestKVStorePutAppendGet(t *testing.T) {
	client := kvTestClient(t)
	s := store.NewKVStore(client, nil)
	defer s.Close()

	ctx := context.Background()
	path := "/kv-test/put-append-get"
	_ = s.Delete(ctx, path)

	putRes, err := s.Put(ctx, path, store.CreateOptions{ContentType: "application/json"})
	require.NoError(t, err)
	require.True(t, putRes.Created)

	_, err = s.Append(ctx, path, []byte(`{"n":1}`), store.AppendOptions{})
	require.NoError(t, err)
	_, err = s.Append(ctx, path, []byte(`{"n":2}`), store.AppendOptions{})
	require.NoError(t, err)

	getRes, err := s.Get(ctx, path, store.InitialOffset)
	require.NoError(t, err)
	out, err := s.FormatResponse(ctx, path, getRes.Messages)
	require.NoError(t, err)
	require.JSONEq(t, `[{"n":1},{"n":2}]`, string(out))

	require.NoError(t, s.Delete(ctx, path))
}

func TestKVStoreHasReflectsTwoObjectLayout(t *testing.T) {
	client := kvTestClient(t)
	s := store.NewKVStore(client, nil)
	defer s.Close()

	ctx := context.Background()
	path := "/kv-test/has"
	_ = s.Delete(ctx, path)

	require.False(t, s.Has(ctx, path))
	_, err := s.Put(ctx, path, store.CreateOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	require.True(t, s.Has(ctx, path))

	require.NoError(t, s.Delete(ctx, path))
	require.False(t, s.Has(ctx, path))
}
