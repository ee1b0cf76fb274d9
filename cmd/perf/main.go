// Command perf races concurrent writers appending to one shard and reports
// the throughput and the share of lost compare-and-append races.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chn0318/catalogstore/sharedlog"
	"github.com/chn0318/catalogstore/sharedlog/memorylog"
	"github.com/chn0318/catalogstore/sharedlog/remotelog"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "log server address")
	inproc := flag.Bool("inproc", false, "race against an in-memory log instead of a server")
	totalReq := flag.Int("total-requests", 10000, "total number of appends")
	concurrency := flag.Int("concurrency", 32, "number of concurrent writers")
	rowsPerReq := flag.Int("rows-per-req", 10, "number of rows per append")
	valueSize := flag.Int("value-bytes", 4*1024, "row size in bytes")
	flag.Parse()

	log.Info().Str("addr", *addr).Int("total", *totalReq).Int("concurrency", *concurrency).
		Int("rows_per_req", *rowsPerReq).Int("value_bytes", *valueSize).Msg("append benchmark start")

	var backend sharedlog.Backend
	if *inproc {
		backend = memorylog.NewMemoryLog()
	} else {
		r, err := remotelog.Dial(*addr)
		if err != nil {
			log.Fatal().Err(err).Msg("dial")
		}
		backend = r
	}
	defer backend.Close()

	value := make([]byte, *valueSize)
	if _, err := rand.Read(value); err != nil {
		log.Fatal().Err(err).Msg("fill value")
	}

	client := sharedlog.NewClient(backend, "v0.1.0")
	shard := sharedlog.NewShardID(uuid.New(), 0)
	ctx := context.Background()
	w, err := client.OpenWriter(ctx, shard, sharedlog.Diagnostics{ShardName: "perf", HandlePurpose: "benchmark"})
	if err != nil {
		log.Fatal().Err(err).Msg("open writer")
	}

	var (
		wins, losses, failures atomic.Int64
		start                  = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for i := 0; i < *totalReq; i++ {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, 10*time.Second)
			defer cancel()
			lost, err := appendOnce(cctx, w, value, *rowsPerReq)
			losses.Add(int64(lost))
			if err != nil {
				failures.Add(1)
				log.Debug().Err(err).Msg("append failed")
				return nil
			}
			wins.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start).Seconds()

	upper, err := w.FetchRecentUpper(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("fetch upper")
	}
	totalBytes := float64(wins.Load()) * float64(*rowsPerReq) * float64(*valueSize)
	log.Info().
		Int64("successful", wins.Load()).
		Int64("failed", failures.Load()).
		Int64("lost_races", losses.Load()).
		Uint64("upper", uint64(upper)).
		Float64("elapsed_s", elapsed).
		Float64("req_per_s", float64(wins.Load())/elapsed).
		Float64("mb_per_s", totalBytes/(1024*1024)/elapsed).
		Msg("append benchmark result")
}

// appendOnce appends one batch at the shard's upper, chasing the upper until
// it wins a race. It returns the number of races it lost.
func appendOnce(ctx context.Context, w *sharedlog.WriteHandle, value []byte, rows int) (int, error) {
	upper, err := w.FetchRecentUpper(ctx)
	if err != nil {
		return 0, err
	}
	for lost := 0; ; lost++ {
		updates := make([]sharedlog.Update, rows)
		for i := range updates {
			updates[i] = sharedlog.Update{Data: value, TS: upper, Diff: 1}
		}
		err := w.CompareAndAppend(ctx, updates, upper, upper.StepForward())
		var mismatch *sharedlog.UpperMismatch
		if !errors.As(err, &mismatch) {
			return lost, err
		}
		upper = mismatch.Current
	}
}
