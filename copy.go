package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// copyResult is the row accounting of one table copy.
type copyResult struct {
	Expected int64
	Copied   int64
	Batches  int64
}

// copier streams rows from the source into batches and hands them to writers.
type copier struct {
	src       rowSource
	batchSize int
	writers   int
}

func newCopier(src rowSource, batchSize, writers int) *copier {
	if writers < 1 {
		writers = 1
	}
	return &copier{src: src, batchSize: batchSize, writers: writers}
}

// copyTable copies every row of t through w. onBatch, when set, is called
// after each committed batch with the running totals. Batches already
// committed stay in the target when the copy fails.
func (c *copier) copyTable(ctx context.Context, t *Table, w batchWriter, onBatch func(copied, batches int64)) (copyResult, error) {
	expected, err := c.src.CountRows(ctx, t)
	if err != nil {
		return copyResult{}, err
	}
	log.Printf("  copying %s rows from %s", humanize.Comma(expected), t.Ref)

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan [][]any, c.writers)

	g.Go(func() error {
		defer close(batches)
		send := func(b [][]any) error {
			select {
			case batches <- b:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		batch := make([][]any, 0, c.batchSize)
		err := c.src.StreamRows(gctx, t, func(row []any) error {
			batch = append(batch, row)
			if len(batch) < c.batchSize {
				return nil
			}
			full := batch
			batch = make([][]any, 0, c.batchSize)
			return send(full)
		})
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			return send(batch)
		}
		return nil
	})

	var copied, nBatches atomic.Int64
	for range c.writers {
		g.Go(func() error {
			for batch := range batches {
				if err := w.WriteBatch(gctx, batch); err != nil {
					return fmt.Errorf("write batch %d of %s: %w", nBatches.Load()+1, t.Ref, err)
				}
				n := copied.Add(int64(len(batch)))
				b := nBatches.Add(1)
				log.Printf("    %s: %s/%s rows", t.Ref, humanize.Comma(n), humanize.Comma(expected))
				if onBatch != nil {
					onBatch(n, b)
				}
			}
			return nil
		})
	}

	err = g.Wait()
	res := copyResult{Expected: expected, Copied: copied.Load(), Batches: nBatches.Load()}
	if err != nil {
		return res, err
	}
	if res.Copied != res.Expected {
		log.Printf("  WARNING: %s: copied %s rows but counted %s (source changed during copy?)",
			t.Ref, humanize.Comma(res.Copied), humanize.Comma(res.Expected))
	}
	return res, nil
}
