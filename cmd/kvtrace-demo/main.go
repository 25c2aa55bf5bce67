package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/kvtrace/kvtrace/adapter"
	"github.com/kvtrace/kvtrace/index"
	"github.com/kvtrace/kvtrace/kv"
	"github.com/kvtrace/kvtrace/txlog"
	"golang.org/x/sync/errgroup"
)

var (
	backend  = flag.String("backend", "rb", "Store backend (memory|rb|bolt)")
	boltPath = flag.String("boltPath", "/tmp/kvtrace-demo.db", "Bolt database path")
	workers  = flag.Int("workers", 4, "Concurrent workers inside the transaction")
	keys     = flag.Int("keys", 8, "Keys written per worker")
	show     = flag.Bool("showCommands", true, "Include command descriptions in the timeline")
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

func newStore() (kv.Store, error) {
	switch *backend {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "rb":
		return kv.NewRbStore(), nil
	case "bolt":
		st, err := kv.NewBoltStore(*boltPath)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, errors.Newf("unknown backend %q", *backend)
}

func main() {
	flag.Parse()

	st, err := newStore()
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	db := kv.NewDBWithLogger(st, hclog.New(&hclog.LoggerOptions{
		Name:  "kvtrace-demo",
		Level: hclog.Info,
	}))

	ctx := context.Background()
	byWord := index.New("word")

	log, err := db.Transact(ctx, func(ctx context.Context, tx *kv.Transaction) error {
		eg, egctx := errgroup.WithContext(ctx)
		for w := 0; w < *workers; w++ {
			w := w
			eg.Go(func() error {
				wctx := txlog.ContextWithWorker(egctx, w)
				for i := 0; i < *keys; i++ {
					key := []byte(fmt.Sprintf("user/%d/%d", w, i))
					value := []byte(fmt.Sprintf("value-%d-%d", w, i))
					if err := tx.Set(wctx, key, value); err != nil {
						return err
					}
					if err := byWord.Add(wctx, tx, uint64(w*(*keys)+i), value); err != nil {
						return err
					}
					if _, err := tx.Get(wctx, key); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		return tx.AtomicAdd(ctx, []byte("stats/writes"), int64(*workers**keys))
	})
	if err != nil {
		slog.Error("transaction failed", "error", err)
		os.Exit(1)
	}

	adapter.ObserveLog(log)

	fmt.Println(log.GetTimingsReport(*show))
	fmt.Println(log.GetCommandsReport())
}
