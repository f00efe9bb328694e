// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/leaktest"
)

// makeValuesSpec encodes the given rows into a ValuesCoreSpec, splitting them
// into chunks of rowsPerChunk rows.
func makeValuesSpec(
	t testing.TB, types []sqlbase.ColumnType, rows sqlbase.EncDatumRows, rowsPerChunk int,
) distsqlpb.ValuesCoreSpec {
	t.Helper()
	var spec distsqlpb.ValuesCoreSpec
	spec.Columns = make([]distsqlpb.DatumInfo, len(types))
	for i := range types {
		spec.Columns[i].Encoding = sqlbase.AscendingKeyEncoding
		spec.Columns[i].Type = types[i]
	}
	var a sqlbase.DatumAlloc
	for i := 0; i < len(rows); {
		var buf []byte
		for end := i + rowsPerChunk; i < len(rows) && i < end; i++ {
			for j := range rows[i] {
				var err error
				buf, err = rows[i][j].Encode(&a, spec.Columns[j].Encoding, buf)
				if err != nil {
					t.Fatal(err)
				}
			}
		}
		spec.RawBytes = append(spec.RawBytes, buf)
	}
	spec.NumRows = uint64(len(rows))
	return spec
}

func TestNoopProcessor(t *testing.T) {
	defer leaktest.AfterTest(t)()

	types := sqlbase.MakeIntCols(2)
	vals := sqlbase.MakeIntRows(10, 2)
	in := NewRowBuffer(types, vals, RowBufferArgs{})
	out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})

	flowCtx := FlowCtx{Cfg: &ServerConfig{}}
	p, err := newProcessor(
		&flowCtx, &distsqlpb.ProcessorCoreUnion{Noop: &distsqlpb.NoopCoreSpec{}},
		[]RowSource{in}, out,
	)
	if err != nil {
		t.Fatal(err)
	}
	p.Run(context.Background())

	if !out.ProducerClosed {
		t.Fatal("output not closed")
	}
	rows := out.GetRowsNoMeta(t)
	if rows.String() != vals.String() {
		t.Errorf("expected %s, got %s", vals.String(), rows.String())
	}
}

func TestValuesProcessor(t *testing.T) {
	defer leaktest.AfterTest(t)()

	for _, tc := range []struct {
		numRows      int
		numCols      int
		rowsPerChunk int
	}{
		{numRows: 0, numCols: 1, rowsPerChunk: 3},
		{numRows: 10, numCols: 1, rowsPerChunk: 3},
		{numRows: 13, numCols: 3, rowsPerChunk: 5},
		{numRows: 100, numCols: 2, rowsPerChunk: 100},
	} {
		t.Run(fmt.Sprintf("%dx%d-%d", tc.numRows, tc.numCols, tc.rowsPerChunk), func(t *testing.T) {
			types := sqlbase.MakeIntCols(tc.numCols)
			vals := sqlbase.MakeIntRows(tc.numRows, tc.numCols)
			spec := makeValuesSpec(t, types, vals, tc.rowsPerChunk)

			out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
			flowCtx := FlowCtx{Cfg: &ServerConfig{}}
			p, err := newProcessor(
				&flowCtx, &distsqlpb.ProcessorCoreUnion{Values: &spec},
				nil /* inputs */, out,
			)
			if err != nil {
				t.Fatal(err)
			}
			p.Run(context.Background())

			if !out.ProducerClosed {
				t.Fatal("output not closed")
			}
			rows := out.GetRowsNoMeta(t)
			if rows.String() != vals.String() {
				t.Errorf("expected %s, got %s", vals.String(), rows.String())
			}
		})
	}
}

// Zero-column rows flow through the values processor as a count.
func TestValuesProcessorZeroColumns(t *testing.T) {
	defer leaktest.AfterTest(t)()

	spec := distsqlpb.ValuesCoreSpec{NumRows: 5}
	out := NewRowBuffer(make([]sqlbase.ColumnType, 0), nil /* rows */, RowBufferArgs{})
	flowCtx := FlowCtx{Cfg: &ServerConfig{}}
	p, err := newProcessor(
		&flowCtx, &distsqlpb.ProcessorCoreUnion{Values: &spec}, nil /* inputs */, out,
	)
	if err != nil {
		t.Fatal(err)
	}
	p.Run(context.Background())

	rows := out.GetRowsNoMeta(t)
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i := range rows {
		if len(rows[i]) != 0 {
			t.Fatalf("row %d: expected zero columns, got %d", i, len(rows[i]))
		}
	}
}

// TestRowCountRoundTrip runs a row stream through a rowCountSender and a
// rowCountChecker and verifies that the verification metadata cancels out.
func TestRowCountRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()

	ctx := context.Background()
	types := sqlbase.MakeIntCols(1)
	vals := sqlbase.MakeIntRows(10, 1)
	flowCtx := FlowCtx{Cfg: &ServerConfig{}}

	in := NewRowBuffer(types, vals, RowBufferArgs{})
	mid := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	sender := newRowCountSender(&flowCtx, "sender-0", in, mid)
	sender.Run(ctx)
	if !mid.ProducerClosed {
		t.Fatal("sender did not close its output")
	}

	out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	checker := newRowCountChecker(mid, out, []string{"sender-0"})
	checker.Run(ctx)
	if !out.ProducerClosed {
		t.Fatal("checker did not close its output")
	}

	rows := out.GetRowsNoMeta(t)
	if rows.String() != vals.String() {
		t.Errorf("expected %s, got %s", vals.String(), rows.String())
	}
}

func pushRowNum(t *testing.T, buf *RowBuffer, sender string, num int32, last bool) {
	t.Helper()
	buf.Push(nil /* row */, &distsqlpb.ProducerMetadata{
		RowNum: &distsqlpb.RemoteProducerMetadata_RowNum{
			SenderID: sender,
			RowNum:   num,
			LastMsg:  last,
		},
	})
}

// TestRowCountCheckerDroppedMetadata verifies that the checker detects a
// missing RowNum record.
func TestRowCountCheckerDroppedMetadata(t *testing.T) {
	defer leaktest.AfterTest(t)()

	types := sqlbase.MakeIntCols(1)
	vals := sqlbase.MakeIntRows(3, 1)
	in := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	// RowNum #2 is dropped.
	pushRowNum(t, in, "s", 1, false)
	in.Push(vals[0], nil /* meta */)
	in.Push(vals[1], nil /* meta */)
	pushRowNum(t, in, "s", 3, false)
	in.Push(vals[2], nil /* meta */)
	pushRowNum(t, in, "s", 3, true)
	in.ProducerDone()

	out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	checker := newRowCountChecker(in, out, []string{"s"})
	checker.Run(context.Background())

	var rows sqlbase.EncDatumRows
	var errs []error
	for {
		row, meta := out.Next()
		if row == nil && meta == nil {
			break
		}
		if row != nil {
			rows = append(rows, row)
		} else if meta.Err != nil {
			errs = append(errs, meta.Err)
		}
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "dropped metadata") {
		t.Fatalf("expected dropped metadata error, got %v", errs)
	}
}

// TestRowCountCheckerMissingSender verifies that the checker notices a sender
// that never reported.
func TestRowCountCheckerMissingSender(t *testing.T) {
	defer leaktest.AfterTest(t)()

	types := sqlbase.MakeIntCols(1)
	in := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	pushRowNum(t, in, "s1", 0, true)
	in.ProducerDone()

	out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
	checker := newRowCountChecker(in, out, []string{"s1", "s2"})
	checker.Run(context.Background())

	_, meta := out.Next()
	if meta == nil || meta.Err == nil ||
		!strings.Contains(meta.Err.Error(), "missing s2") {
		t.Fatalf("expected missing sender error, got %v", meta)
	}
}

func TestNewProcessorErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()

	flowCtx := FlowCtx{Cfg: &ServerConfig{}}
	types := sqlbase.MakeIntCols(1)
	out := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})

	// A noop core needs exactly one input.
	_, err := newProcessor(
		&flowCtx, &distsqlpb.ProcessorCoreUnion{Noop: &distsqlpb.NoopCoreSpec{}},
		nil /* inputs */, out,
	)
	if err == nil || !strings.Contains(err.Error(), "expected 1 input") {
		t.Errorf("expected input count error, got %v", err)
	}

	// An empty core union is not supported.
	_, err = newProcessor(&flowCtx, &distsqlpb.ProcessorCoreUnion{}, nil /* inputs */, out)
	if err == nil || !strings.Contains(err.Error(), "unsupported processor core") {
		t.Errorf("expected unsupported core error, got %v", err)
	}
}
