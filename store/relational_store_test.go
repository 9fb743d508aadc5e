package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/corestreamio/streamstore/store"
)

// These exercise RelationalStore against a live Postgres instance, the way
// rapidrows' own stream tests assume a reachable datasource rather than
// mocking one. Set STREAMSTORE_TEST_DSN to run them.
func relationalTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("STREAMSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("STREAMSTORE_TEST_DSN not set, skipping relational substrate test")
	}
	return dsn
}

func TestRelationalStorePutAppendGet(t *testing.T) {
	dsn := relationalTestDSN(t)
	ctx := context.Background()

	s, err := store.NewRelationalStore(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	path := "/relational-test/put-append-get"
	_ = s.Delete(ctx, path)

	putRes, err := s.Put(ctx, path, store.CreateOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	require.True(t, putRes.Created)

	_, err = s.Append(ctx, path, []byte("hello"), store.AppendOptions{})
	require.NoError(t, err)
	_, err = s.Append(ctx, path, []byte("world"), store.AppendOptions{})
	require.NoError(t, err)

	getRes, err := s.Get(ctx, path, store.InitialOffset)
	require.NoError(t, err)
	out, err := s.FormatResponse(ctx, path, getRes.Messages)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(out))

	require.NoError(t, s.Delete(ctx, path))
}

func TestRelationalStoreWaitForDataWakesOnNotify(t *testing.T) {
	dsn := relationalTestDSN(t)
	ctx := context.Background()

	s, err := store.NewRelationalStore(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	path := "/relational-test/wait-for-data"
	_ = s.Delete(ctx, path)
	_, err = s.Put(ctx, path, store.CreateOptions{ContentType: "text/plain"})
	require.NoError(t, err)

	type outcome struct {
		res store.WaitResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.WaitForData(ctx, path, store.InitialOffset, 5*time.Second)
		done <- outcome{res, err}
	}()

	_, err = s.Append(ctx, path, []byte("notified"), store.AppendOptions{})
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	require.False(t, out.res.TimedOut)
	require.Len(t, out.res.Messages, 1)

	require.NoError(t, s.Delete(ctx, path))
}
