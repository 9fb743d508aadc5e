// Command streamstore is a small demonstration CLI over the store
// package: it opens one substrate (selected by --substrate) and runs a
// single put/append/get/watch operation against it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/corestreamio/streamstore/store"
)

func main() {
	var (
		substrate   = pflag.String("substrate", "memory", "substrate: memory, embedded, kv")
		dataDir     = pflag.String("data-dir", "./data", "data directory for the embedded substrate")
		redisAddr   = pflag.String("redis-addr", "localhost:6379", "address for the kv substrate")
		path        = pflag.String("path", "/demo", "stream path")
		op          = pflag.String("op", "put", "operation: put, append, get, watch")
		body        = pflag.String("body", "", "request body")
		contentType = pflag.String("content-type", "application/octet-stream", "Content-Type")
		ttl         = pflag.Int64("ttl", 0, "TTL in seconds, 0 for none")
		timeout     = pflag.Duration("timeout", 30*time.Second, "watch timeout")
	)
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := openSubstrate(*substrate, *dataDir, *redisAddr, logger)
	if err != nil {
		logger.Fatal("open substrate", zap.Error(err))
	}
	defer st.Close()

	ctx := context.Background()
	if err := run(ctx, st, *op, *path, *body, *contentType, *ttl, *timeout, logger); err != nil {
		logger.Fatal("operation failed", zap.String("op", *op), zap.Error(err))
	}
}

func openSubstrate(substrate, dataDir, redisAddr string, logger *zap.Logger) (store.StreamStore, error) {
	switch substrate {
	case "memory":
		return store.NewMemoryStore(logger), nil
	case "embedded":
		return store.NewEmbeddedStore(dataDir, time.Minute, logger)
	case "kv":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return store.NewKVStore(client, logger), nil
	default:
		return nil, fmt.Errorf("unknown substrate %q", substrate)
	}
}

func run(ctx context.Context, st store.StreamStore, op, path, body, contentType string, ttl int64, timeout time.Duration, logger *zap.Logger) error {
	switch op {
	case "put":
		opts := store.CreateOptions{ContentType: contentType, Data: []byte(body)}
		if ttl > 0 {
			opts.TTLSeconds = &ttl
		}
		res, err := st.Put(ctx, path, opts)
		if err != nil {
			return err
		}
		logger.Info("put", zap.Bool("created", res.Created), zap.String("next_offset", res.NextOffset.String()))
		return nil

	case "append":
		res, err := st.Append(ctx, path, []byte(body), store.AppendOptions{})
		if err != nil {
			return err
		}
		logger.Info("append", zap.String("next_offset", res.NextOffset.String()))
		return nil

	case "get":
		res, err := st.Get(ctx, path, store.InitialOffset)
		if err != nil {
			return err
		}
		out, err := st.FormatResponse(ctx, path, res.Messages)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "watch":
		head, err := st.Head(ctx, path)
		if err != nil {
			return err
		}
		logger.Info("watching", zap.String("from_offset", head.NextOffset.String()))
		res, err := st.WaitForData(ctx, path, head.NextOffset, timeout)
		if err != nil {
			return err
		}
		if res.TimedOut {
			logger.Info("watch timed out")
			return nil
		}
		out, err := st.FormatResponse(ctx, path, res.Messages)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	default:
		return fmt.Errorf("unknown op %q", op)
	}
}
