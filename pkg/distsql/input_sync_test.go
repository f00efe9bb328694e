// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/encoding"
	"github.com/shakeelrao/distflow/pkg/util/leaktest"
)

func TestOrderedSync(t *testing.T) {
	defer leaktest.AfterTest(t)()

	v := [6]sqlbase.EncDatum{}
	for i := range v {
		v[i] = sqlbase.IntEncDatum(i)
	}

	asc := encoding.Ascending
	desc := encoding.Descending

	testCases := []struct {
		sources  []sqlbase.EncDatumRows
		ordering sqlbase.ColumnOrdering
		expected sqlbase.EncDatumRows
	}{
		{
			sources: []sqlbase.EncDatumRows{
				{
					{v[0], v[1], v[4]},
					{v[0], v[1], v[2]},
					{v[0], v[2], v[3]},
					{v[1], v[1], v[3]},
				},
				{
					{v[1], v[0], v[4]},
				},
				{
					{v[0], v[0], v[0]},
					{v[4], v[4], v[4]},
				},
			},
			ordering: sqlbase.ColumnOrdering{
				{ColIdx: 0, Direction: asc},
				{ColIdx: 1, Direction: asc},
			},
			expected: sqlbase.EncDatumRows{
				{v[0], v[0], v[0]},
				{v[0], v[1], v[4]},
				{v[0], v[1], v[2]},
				{v[0], v[2], v[3]},
				{v[1], v[0], v[4]},
				{v[1], v[1], v[3]},
				{v[4], v[4], v[4]},
			},
		},
		{
			sources: []sqlbase.EncDatumRows{
				{
					{v[4], v[4], v[4]},
					{v[1], v[1], v[3]},
					{v[0], v[2], v[3]},
				},
				{
					{v[1], v[0], v[4]},
					{v[0], v[1], v[4]},
					{v[0], v[1], v[2]},
				},
			},
			ordering: sqlbase.ColumnOrdering{
				{ColIdx: 0, Direction: desc},
				{ColIdx: 1, Direction: desc},
			},
			expected: sqlbase.EncDatumRows{
				{v[4], v[4], v[4]},
				{v[1], v[1], v[3]},
				{v[1], v[0], v[4]},
				{v[0], v[2], v[3]},
				{v[0], v[1], v[4]},
				{v[0], v[1], v[2]},
			},
		},
	}
	for testIdx, c := range testCases {
		types := sqlbase.MakeIntCols(3)
		sources := make([]RowSource, len(c.sources))
		for i := range c.sources {
			sources[i] = NewRowBuffer(types, c.sources[i], RowBufferArgs{})
		}
		src, err := makeOrderedSync(c.ordering, types, sources)
		if err != nil {
			t.Fatal(err)
		}
		src.Start(context.Background())
		var retRows sqlbase.EncDatumRows
		for {
			row, meta := src.Next()
			if meta != nil {
				t.Fatalf("unexpected metadata: %v", meta)
			}
			if row == nil {
				break
			}
			retRows = append(retRows, row)
		}
		if retRows.String() != c.expected.String() {
			t.Errorf("invalid results for case %d; expected %v, got %v",
				testIdx, c.expected.String(), retRows.String())
		}
	}
}

// TestOrderedSyncDrainBeforeNext verifies that ConsumerDone called before the
// first Next still lets all the sources' metadata through.
func TestOrderedSyncDrainBeforeNext(t *testing.T) {
	defer leaktest.AfterTest(t)()

	expectedMeta := &distsqlpb.ProducerMetadata{Err: errors.New("expected metadata")}

	types := sqlbase.MakeIntCols(1)
	var sources []RowSource
	for i := 0; i < 4; i++ {
		rowBuf := NewRowBuffer(types, nil /* rows */, RowBufferArgs{})
		sources = append(sources, rowBuf)
		rowBuf.Push(nil, expectedMeta)
		rowBuf.ProducerDone()
	}

	o, err := makeOrderedSync(
		sqlbase.ColumnOrdering{{ColIdx: 0, Direction: encoding.Ascending}}, types, sources)
	if err != nil {
		t.Fatal(err)
	}
	o.Start(context.Background())

	// ConsumerDone before Next; all the metadata should still be returned.
	o.ConsumerDone()
	metasFound := 0
	for {
		_, meta := o.Next()
		if meta == nil {
			break
		}
		if meta != expectedMeta {
			t.Fatalf("unexpected meta %v, expected %v", meta, expectedMeta)
		}
		metasFound++
	}
	if metasFound != 4 {
		t.Fatalf("expected 4 metadata records, found %d", metasFound)
	}
}

// TestOrderedSyncMisorderedStream verifies that an input stream that breaks
// the configured ordering produces an error and puts the synchronizer into
// draining mode.
func TestOrderedSyncMisorderedStream(t *testing.T) {
	defer leaktest.AfterTest(t)()

	types := sqlbase.MakeIntCols(1)
	sources := []RowSource{
		NewRowBuffer(types, sqlbase.EncDatumRows{
			{sqlbase.IntEncDatum(2)},
			{sqlbase.IntEncDatum(1)},
		}, RowBufferArgs{}),
		NewRowBuffer(types, sqlbase.EncDatumRows{
			{sqlbase.IntEncDatum(0)},
		}, RowBufferArgs{}),
	}
	o, err := makeOrderedSync(
		sqlbase.ColumnOrdering{{ColIdx: 0, Direction: encoding.Ascending}}, types, sources)
	if err != nil {
		t.Fatal(err)
	}
	o.Start(context.Background())

	// Rows 0 and 2 come out in order, then the misordered row is detected.
	for _, exp := range []int{0, 2} {
		row, meta := o.Next()
		if meta != nil {
			t.Fatalf("unexpected metadata: %v", meta)
		}
		expRow := sqlbase.EncDatumRow{sqlbase.IntEncDatum(exp)}
		if row.String() != expRow.String() {
			t.Fatalf("expected row %s, got %s", expRow.String(), row.String())
		}
	}
	row, meta := o.Next()
	if row != nil || meta == nil || meta.Err == nil {
		t.Fatalf("expected error metadata, got row %v meta %v", row, meta)
	}
	if !strings.Contains(meta.Err.Error(), "incorrectly ordered stream") {
		t.Fatalf("unexpected error: %v", meta.Err)
	}
	if row, meta := o.Next(); row != nil || meta != nil {
		t.Fatalf("expected exhausted source, got row %v meta %v", row, meta)
	}
}

func TestMakeOrderedSyncErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()

	types := sqlbase.MakeIntCols(1)
	ordering := sqlbase.ColumnOrdering{{ColIdx: 0, Direction: encoding.Ascending}}

	oneSource := []RowSource{NewRowBuffer(types, nil /* rows */, RowBufferArgs{})}
	if _, err := makeOrderedSync(ordering, types, oneSource); err == nil ||
		!strings.Contains(err.Error(), "sources for ordered synchronizer") {
		t.Errorf("expected error for one source, got %v", err)
	}

	twoSources := []RowSource{
		NewRowBuffer(types, nil /* rows */, RowBufferArgs{}),
		NewRowBuffer(types, nil /* rows */, RowBufferArgs{}),
	}
	if _, err := makeOrderedSync(nil /* ordering */, types, twoSources); err == nil ||
		!strings.Contains(err.Error(), "empty ordering") {
		t.Errorf("expected error for empty ordering, got %v", err)
	}
}

// TestUnorderedSync exercises the unordered synchronization mode: a single
// RowChannel shared by multiple producers.
func TestUnorderedSync(t *testing.T) {
	defer leaktest.AfterTest(t)()

	mrc := &RowChannel{}
	mrc.InitWithNumSenders(sqlbase.MakeIntCols(2), 5 /* numSenders */)
	producerErr := make(chan error, 100)
	for i := 1; i <= 5; i++ {
		go func(i int) {
			for j := 1; j <= 100; j++ {
				row := sqlbase.EncDatumRow{
					sqlbase.IntEncDatum(i),
					sqlbase.IntEncDatum(j),
				}
				if status := mrc.Push(row, nil /* meta */); status != NeedMoreRows {
					producerErr <- errors.Errorf("producer %d: unexpected status %s", i, status)
				}
			}
			mrc.ProducerDone()
		}(i)
	}
	var retRows sqlbase.EncDatumRows
	for {
		row, meta := mrc.Next()
		if meta != nil {
			t.Fatalf("unexpected metadata: %v", meta)
		}
		if row == nil {
			break
		}
		retRows = append(retRows, row)
	}
	// Verify all the rows are there, and the rows of each producer are in
	// order.
	var a sqlbase.DatumAlloc
	lastSeq := map[int]int{}
	for _, row := range retRows {
		if err := row[0].EnsureDecoded(&a); err != nil {
			t.Fatal(err)
		}
		if err := row[1].EnsureDecoded(&a); err != nil {
			t.Fatal(err)
		}
		p := int(row[0].Datum.(sqlbase.DInt))
		seq := int(row[1].Datum.(sqlbase.DInt))
		if seq != lastSeq[p]+1 {
			t.Fatalf("producer %d: expected sequence %d, got %d", p, lastSeq[p]+1, seq)
		}
		lastSeq[p] = seq
	}
	if len(retRows) != 500 {
		t.Fatalf("expected 500 rows, got %d", len(retRows))
	}
	for i := 1; i <= 5; i++ {
		if lastSeq[i] != 100 {
			t.Fatalf("producer %d: expected 100 rows, got %d", i, lastSeq[i])
		}
	}
	select {
	case err := <-producerErr:
		t.Fatal(err)
	default:
	}
}
