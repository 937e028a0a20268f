package main

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeRowSource produces n rows of (id, label) per table.
type fakeRowSource struct {
	rows      map[TableRef]int
	countErr  error
	streamErr error
}

func (f *fakeRowSource) CountRows(_ context.Context, t *Table) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return int64(f.rows[t.Ref]), nil
}

func (f *fakeRowSource) StreamRows(ctx context.Context, t *Table, fn func(row []any) error) error {
	for i := 0; i < f.rows[t.Ref]; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]any{int64(i + 1), "row"}); err != nil {
			return err
		}
	}
	return f.streamErr
}

// recordingWriter counts WriteBatch calls and rows.
type recordingWriter struct {
	mu      sync.Mutex
	calls   int
	rows    int
	sizes   []int
	failOn  int // 1-based call number that fails; 0 never fails
	failErr error
}

func (w *recordingWriter) WriteBatch(_ context.Context, rows [][]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failOn > 0 && w.calls == w.failOn {
		return w.failErr
	}
	w.rows += len(rows)
	w.sizes = append(w.sizes, len(rows))
	return nil
}

func copyTestTable() *Table {
	return &Table{
		Ref:     TableRef{Schema: "public", Name: "events"},
		Columns: []Column{{Name: "id", DataType: "bigint"}, {Name: "label", DataType: "text"}},
	}
}

func TestCopyTable_BatchAccounting(t *testing.T) {
	tbl := copyTestTable()
	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 250_000}}
	w := &recordingWriter{}

	var lastCopied, lastBatches int64
	res, err := newCopier(src, 10_000, 1).copyTable(context.Background(), tbl, w, func(copied, batches int64) {
		lastCopied, lastBatches = copied, batches
	})
	if err != nil {
		t.Fatalf("copyTable() error: %v", err)
	}
	if w.calls != 25 {
		t.Errorf("WriteBatch calls = %d, want 25", w.calls)
	}
	if res.Copied != res.Expected || res.Copied != 250_000 {
		t.Errorf("result = %+v, want 250000 copied and expected", res)
	}
	if res.Batches != 25 || lastBatches != 25 || lastCopied != 250_000 {
		t.Errorf("batches = %d, last progress = %d/%d", res.Batches, lastCopied, lastBatches)
	}
	for i, n := range w.sizes {
		if n != 10_000 {
			t.Fatalf("batch %d has %d rows, want 10000", i, n)
		}
	}
}

func TestCopyTable_PartialLastBatch(t *testing.T) {
	tbl := copyTestTable()
	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 25}}
	w := &recordingWriter{}

	res, err := newCopier(src, 10, 1).copyTable(context.Background(), tbl, w, nil)
	if err != nil {
		t.Fatalf("copyTable() error: %v", err)
	}
	if w.calls != 3 || w.sizes[2] != 5 {
		t.Errorf("calls = %d, sizes = %v; want 3 batches ending with 5 rows", w.calls, w.sizes)
	}
	if res.Copied != 25 {
		t.Errorf("Copied = %d, want 25", res.Copied)
	}
}

func TestCopyTable_EmptyTable(t *testing.T) {
	tbl := copyTestTable()
	w := &recordingWriter{}
	res, err := newCopier(&fakeRowSource{}, 100, 1).copyTable(context.Background(), tbl, w, nil)
	if err != nil {
		t.Fatalf("copyTable() error: %v", err)
	}
	if w.calls != 0 || res.Copied != 0 || res.Batches != 0 {
		t.Errorf("empty table: calls = %d, result = %+v", w.calls, res)
	}
}

func TestCopyTable_ParallelWriters(t *testing.T) {
	tbl := copyTestTable()
	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 10_001}}
	w := &recordingWriter{}

	res, err := newCopier(src, 1_000, 4).copyTable(context.Background(), tbl, w, nil)
	if err != nil {
		t.Fatalf("copyTable() error: %v", err)
	}
	if w.calls != 11 || w.rows != 10_001 {
		t.Errorf("calls = %d rows = %d, want 11 and 10001", w.calls, w.rows)
	}
	if res.Copied != res.Expected {
		t.Errorf("result = %+v", res)
	}
}

func TestCopyTable_WriterError(t *testing.T) {
	tbl := copyTestTable()
	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 100}}
	boom := errors.New("conversion failed")
	w := &recordingWriter{failOn: 3, failErr: boom}

	res, err := newCopier(src, 10, 1).copyTable(context.Background(), tbl, w, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("copyTable() error = %v, want %v", err, boom)
	}
	if res.Copied != 20 || res.Batches != 2 {
		t.Errorf("result = %+v, want the 2 committed batches counted", res)
	}
}

func TestCopyTable_SourceErrors(t *testing.T) {
	tbl := copyTestTable()
	countErr := errors.New("permission denied")
	if _, err := newCopier(&fakeRowSource{countErr: countErr}, 10, 1).copyTable(context.Background(), tbl, &recordingWriter{}, nil); !errors.Is(err, countErr) {
		t.Errorf("count error = %v, want %v", err, countErr)
	}

	streamErr := errors.New("connection reset")
	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 5}, streamErr: streamErr}
	if _, err := newCopier(src, 10, 1).copyTable(context.Background(), tbl, &recordingWriter{}, nil); !errors.Is(err, streamErr) {
		t.Errorf("stream error = %v, want %v", err, streamErr)
	}
}

func TestCopyTable_Cancelled(t *testing.T) {
	tbl := copyTestTable()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeRowSource{rows: map[TableRef]int{tbl.Ref: 100}}
	_, err := newCopier(src, 10, 1).copyTable(ctx, tbl, &recordingWriter{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("copyTable() error = %v, want context.Canceled", err)
	}
}
