// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/testutils"
	"github.com/shakeelrao/distflow/pkg/util/encoding"
	"github.com/shakeelrao/distflow/pkg/util/leaktest"
	"github.com/shakeelrao/distflow/pkg/util/randutil"
)

// setupRouter creates and starts a router. Returns the router and a WaitGroup
// that tracks the router's output goroutines.
func setupRouter(
	t testing.TB,
	spec distsqlpb.OutputRouterSpec,
	inputTypes []sqlbase.ColumnType,
	streams []RowReceiver,
) (router, *sync.WaitGroup) {
	t.Helper()
	r, err := makeRouter(&spec, streams)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	flowCtx := FlowCtx{Cfg: &ServerConfig{}}
	r.init(ctx, &flowCtx, inputTypes)
	wg := &sync.WaitGroup{}
	r.Start(ctx, wg, nil /* ctxCancel */)
	return r, wg
}

func TestRouters(t *testing.T) {
	defer leaktest.AfterTest(t)()

	const numRows = 200
	const numCols = 6

	rng, _ := randutil.NewPseudoRand()
	alloc := &sqlbase.DatumAlloc{}

	testCases := []struct {
		spec       distsqlpb.OutputRouterSpec
		numBuckets int
	}{
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{0}}, 2},
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{3}}, 4},
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{1, 3}}, 4},
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{5, 2}}, 3},
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterMirror}, 2},
		{distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterMirror}, 4},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s-%d", tc.spec.Type, tc.numBuckets), func(t *testing.T) {
			colTypes := sqlbase.MakeIntCols(numCols)
			vals := sqlbase.RandEncDatumRows(rng, numRows, colTypes)

			bufs := make([]*RowBuffer, tc.numBuckets)
			recvs := make([]RowReceiver, tc.numBuckets)
			tc.spec.Streams = make([]distsqlpb.StreamEndpointSpec, tc.numBuckets)
			for i := 0; i < tc.numBuckets; i++ {
				bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
				recvs[i] = bufs[i]
				tc.spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
			}

			r, wg := setupRouter(t, tc.spec, colTypes, recvs)

			for _, row := range vals {
				if status := r.Push(row, nil /* meta */); status != NeedMoreRows {
					t.Fatalf("unexpected status: %d", status)
				}
			}
			r.ProducerDone()
			wg.Wait()

			rows := make([]sqlbase.EncDatumRows, len(bufs))
			for i, b := range bufs {
				if !b.ProducerClosed {
					t.Fatalf("bucket not closed: %d", i)
				}
				rows[i] = b.GetRowsNoMeta(t)
			}

			switch tc.spec.Type {
			case distsqlpb.OutputRouterByHash:
				numTotal := 0
				for i := range rows {
					numTotal += len(rows[i])
				}
				if numTotal != numRows {
					t.Fatalf("expected %d rows, got %d", numRows, numTotal)
				}
				for bIdx := range rows {
					for _, row := range rows[bIdx] {
						// Verify there was no mixup: the row should hash to
						// this bucket.
						enc := make([]byte, 0, 100)
						var err error
						for _, col := range tc.spec.HashColumns {
							enc, err = row[col].Fingerprint(alloc, enc)
							if err != nil {
								t.Fatal(err)
							}
						}
						sum := crc32.Update(0, crc32Table, enc)
						if int(sum%uint32(tc.numBuckets)) != bIdx {
							t.Errorf("row %s in bucket %d, expected %d",
								row.String(), bIdx, sum%uint32(tc.numBuckets))
						}
					}
				}

			case distsqlpb.OutputRouterMirror:
				// Verify each row is sent to each of the output streams, in
				// the original order.
				for bIdx := range rows {
					if len(rows[bIdx]) != numRows {
						t.Fatalf("bucket %d: expected %d rows, got %d", bIdx, numRows, len(rows[bIdx]))
					}
					for i, row := range rows[bIdx] {
						if row.String() != vals[i].String() {
							t.Errorf("bucket %d row %d: expected %s, got %s",
								bIdx, i, vals[i].String(), row.String())
						}
					}
				}
			}
		})
	}
}

// preimageAttack finds a row that the hash router routes to the given stream.
func preimageAttack(
	colTypes []sqlbase.ColumnType, hr *hashRouter, streamIdx int,
) (sqlbase.EncDatumRow, error) {
	rng, _ := randutil.NewPseudoRand()
	for {
		vals := sqlbase.RandEncDatumRows(rng, 1, colTypes)
		curStreamIdx, err := hr.computeDestination(vals[0])
		if err != nil {
			return nil, err
		}
		if curStreamIdx == streamIdx {
			return vals[0], nil
		}
	}
}

// Test the aggregated ConsumerStatus as the consumers progressively drain and
// get closed.
func TestConsumerStatus(t *testing.T) {
	defer leaktest.AfterTest(t)()

	testCases := []struct {
		name string
		spec distsqlpb.OutputRouterSpec
	}{
		{"MirrorRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterMirror}},
		{"HashRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{0}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			colTypes := sqlbase.MakeIntCols(1)
			bufs := make([]*RowBuffer, 2)
			recvs := make([]RowReceiver, 2)
			tc.spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
			for i := 0; i < 2; i++ {
				bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
				recvs[i] = bufs[i]
				tc.spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
			}
			router, wg := setupRouter(t, tc.spec, colTypes, recvs)

			// row0 will be a row that the router sends to stream 0, row1 to
			// stream 1.
			var row0, row1 sqlbase.EncDatumRow
			switch r := router.(type) {
			case *hashRouter:
				var err error
				row0, err = preimageAttack(colTypes, r, 0)
				if err != nil {
					t.Fatal(err)
				}
				row1, err = preimageAttack(colTypes, r, 1)
				if err != nil {
					t.Fatal(err)
				}
			case *mirrorRouter:
				rng, _ := randutil.NewPseudoRand()
				vals := sqlbase.RandEncDatumRows(rng, 1, colTypes)
				row0 = vals[0]
				row1 = row0
			default:
				t.Fatalf("unknown router type %T", router)
			}

			if status := router.Push(row0, nil /* meta */); status != NeedMoreRows {
				t.Fatalf("expected status %s, got %s", NeedMoreRows, status)
			}

			// Start draining stream 0. The router still accepts rows because
			// stream 1 needs more.
			bufs[0].ConsumerDone()
			if status := router.Push(row0, nil /* meta */); status != NeedMoreRows {
				t.Fatalf("expected status %s, got %s", NeedMoreRows, status)
			}
			if status := router.Push(row1, nil /* meta */); status != NeedMoreRows {
				t.Fatalf("expected status %s, got %s", NeedMoreRows, status)
			}

			// Close stream 0. Continue to expect NeedMoreRows.
			bufs[0].ConsumerClosed()
			if status := router.Push(row0, nil /* meta */); status != NeedMoreRows {
				t.Fatalf("expected status %s, got %s", NeedMoreRows, status)
			}

			// Start draining stream 1. Now that all streams are draining,
			// the aggregated status should become DrainRequested; the router
			// observes the status change only after the output routines push.
			bufs[1].ConsumerDone()
			testutils.SucceedsSoon(t, func() error {
				if status := router.Push(row1, nil /* meta */); status != DrainRequested {
					return errors.Errorf("expected status %s, got %s", DrainRequested, status)
				}
				return nil
			})

			// Close stream 1. The routers only detect all-closed when trying
			// to forward metadata, so we still expect DrainRequested.
			bufs[1].ConsumerClosed()
			if status := router.Push(row1, nil /* meta */); status != DrainRequested {
				t.Fatalf("expected status %s, got %s", DrainRequested, status)
			}

			// Forward some metadata. This causes the router to observe that
			// all streams are closed.
			testutils.SucceedsSoon(t, func() error {
				status := router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: errors.Errorf("test error")})
				if status != ConsumerClosed {
					return errors.Errorf("expected status %s, got %s", ConsumerClosed, status)
				}
				return nil
			})

			router.ProducerDone()
			wg.Wait()
		})
	}
}

// Test that metadata records get forwarded correctly: errors go to all
// non-closed streams, other metadata goes to the first non-closed stream.
func TestMetadataIsForwarded(t *testing.T) {
	defer leaktest.AfterTest(t)()

	testCases := []struct {
		name string
		spec distsqlpb.OutputRouterSpec
	}{
		{"MirrorRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterMirror}},
		{"HashRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{0}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			colTypes := sqlbase.MakeIntCols(1)
			chans := make([]RowChannel, 2)
			recvs := make([]RowReceiver, 2)
			tc.spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
			for i := 0; i < 2; i++ {
				chans[i].InitWithNumSenders(colTypes, 1 /* numSenders */)
				recvs[i] = &chans[i]
				tc.spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
			}
			router, wg := setupRouter(t, tc.spec, colTypes, recvs)

			// Non-error metadata is only forwarded to the first non-closed
			// stream.
			rowNumMeta := &distsqlpb.ProducerMetadata{
				RowNum: &distsqlpb.RemoteProducerMetadata_RowNum{SenderID: "s"},
			}
			router.Push(nil /* row */, rowNumMeta)
			if _, meta := chans[0].Next(); meta == nil || meta.RowNum == nil {
				t.Fatalf("expected RowNum metadata on stream 0, got %v", meta)
			}

			// Errors are forwarded to all non-closed streams.
			err1 := errors.Errorf("test error 1")
			router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err1})
			for i := range chans {
				if _, meta := chans[i].Next(); meta == nil || meta.Err != err1 {
					t.Fatalf("stream %d: expected error metadata, got %v", i, meta)
				}
			}

			// Push another error but only consume it on stream 1, leaving a
			// buffered message on stream 0 for ConsumerClosed to drain.
			err2 := errors.Errorf("test error 2")
			router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err2})
			if _, meta := chans[1].Next(); meta == nil || meta.Err != err2 {
				t.Fatalf("stream 1: expected error metadata, got %v", meta)
			}
			chans[0].ConsumerClosed()

			// Errors continue to be forwarded to the open stream.
			err3 := errors.Errorf("test error 3")
			router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err3})
			if _, meta := chans[1].Next(); meta == nil || meta.Err != err3 {
				t.Fatalf("stream 1: expected error metadata, got %v", meta)
			}

			// Close the last stream without consuming; its ConsumerClosed
			// will drain the next message delivered by the output routine.
			err4 := errors.Errorf("test error 4")
			router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err4})
			chans[1].ConsumerClosed()

			// Once all streams are closed, the router reports ConsumerClosed.
			testutils.SucceedsSoon(t, func() error {
				status := router.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err4})
				if status != ConsumerClosed {
					return errors.Errorf("expected status %s, got %s", ConsumerClosed, status)
				}
				return nil
			})

			router.ProducerDone()
			wg.Wait()
		})
	}
}

// TestRouterBlocks verifies that routers block if all their consumers are
// blocked.
func TestRouterBlocks(t *testing.T) {
	defer leaktest.AfterTest(t)()

	testCases := []struct {
		name string
		spec distsqlpb.OutputRouterSpec
	}{
		{"MirrorRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterMirror}},
		{"HashRouter", distsqlpb.OutputRouterSpec{Type: distsqlpb.OutputRouterByHash, HashColumns: []uint32{0}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			colTypes := sqlbase.MakeIntCols(1)
			chans := make([]RowChannel, 2)
			recvs := make([]RowReceiver, 2)
			tc.spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
			for i := 0; i < 2; i++ {
				chans[i].InitWithBufSizeAndNumSenders(colTypes, 1, 1)
				recvs[i] = &chans[i]
				tc.spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
			}
			router, err := makeRouter(&tc.spec, recvs)
			if err != nil {
				t.Fatal(err)
			}
			ctx := context.Background()
			flowCtx := FlowCtx{Cfg: &ServerConfig{}}
			router.init(ctx, &flowCtx, colTypes)
			var wg sync.WaitGroup
			router.Start(ctx, &wg, nil /* ctxCancel */)

			// Set up a producer that pushes rows until the router declines.
			const maxRows = 10 * routerRowBufSize
			var numRowsSent uint32
			rng, _ := randutil.NewPseudoRand()
			vals := sqlbase.RandEncDatumRows(rng, maxRows, colTypes)
			wg.Add(1)
			go func() {
				for i := 0; i < maxRows; i++ {
					if status := router.Push(vals[i], nil /* meta */); status != NeedMoreRows {
						break
					}
					atomic.AddUint32(&numRowsSent, 1)
				}
				router.ProducerDone()
				wg.Done()
			}()

			// We are not consuming the row channels, so the producer should
			// fill the buffers and then block.
			testutils.SucceedsSoon(t, func() error {
				if n := atomic.LoadUint32(&numRowsSent); n < routerRowBufSize {
					return errors.Errorf("only %d rows sent", n)
				}
				return nil
			})
			if n := atomic.LoadUint32(&numRowsSent); n == maxRows {
				t.Fatalf("producer was not blocked")
			}

			// Unblock the router by consuming everything.
			for i := range chans {
				go func(c *RowChannel) {
					for range c.C {
					}
				}(&chans[i])
			}
			wg.Wait()
		})
	}
}

// TestRouterDisableBuffering verifies that with buffering disabled the
// producer is never blocked, regardless of how slow the consumers are.
func TestRouterDisableBuffering(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	spec := distsqlpb.OutputRouterSpec{
		Type:             distsqlpb.OutputRouterMirror,
		DisableBuffering: true,
	}
	chans := make([]RowChannel, 2)
	recvs := make([]RowReceiver, 2)
	spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
	for i := 0; i < 2; i++ {
		chans[i].InitWithBufSizeAndNumSenders(colTypes, 1, 1)
		recvs[i] = &chans[i]
		spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
	}
	router, wg := setupRouter(t, spec, colTypes, recvs)

	// No consumer is reading yet; all the rows accumulate in the unlimited
	// queues.
	const numRows = 20 * routerRowBufSize
	vals := sqlbase.MakeIntRows(numRows, 1)
	for i := range vals {
		if status := router.Push(vals[i], nil /* meta */); status != NeedMoreRows {
			t.Fatalf("unexpected status: %d", status)
		}
	}
	router.ProducerDone()

	var counts [2]int
	var consumeWG sync.WaitGroup
	for i := range chans {
		consumeWG.Add(1)
		go func(i int) {
			defer consumeWG.Done()
			for range chans[i].C {
				counts[i]++
			}
		}(i)
	}
	wg.Wait()
	consumeWG.Wait()
	for i := range counts {
		if counts[i] != numRows {
			t.Errorf("stream %d: expected %d rows, got %d", i, numRows, counts[i])
		}
	}
}

func TestRangeRouter(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	key := func(i int) []byte {
		return encoding.EncodeVarintAscending(nil, int64(i))
	}

	spec := distsqlpb.OutputRouterSpec{
		Type: distsqlpb.OutputRouterByRange,
		RangeRouterSpec: distsqlpb.RangeRouterSpec{
			Spans: []distsqlpb.RangeRouterSpan{
				{Start: key(0), End: key(50), Stream: 0},
				{Start: key(50), End: key(100), Stream: 1},
			},
			Encodings: []distsqlpb.RangeRouterColumnSpec{
				{Column: 0, Encoding: sqlbase.AscendingKeyEncoding},
			},
		},
	}

	bufs := make([]*RowBuffer, 2)
	recvs := make([]RowReceiver, 2)
	spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
	for i := 0; i < 2; i++ {
		bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
		recvs[i] = bufs[i]
		spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
	}
	router, wg := setupRouter(t, spec, colTypes, recvs)

	vals := sqlbase.MakeIntRows(100, 1)
	for i := range vals {
		if status := router.Push(vals[i], nil /* meta */); status != NeedMoreRows {
			t.Fatalf("unexpected status: %d", status)
		}
	}
	router.ProducerDone()
	wg.Wait()

	for bIdx, b := range bufs {
		rows := b.GetRowsNoMeta(t)
		if len(rows) != 50 {
			t.Fatalf("bucket %d: expected 50 rows, got %d", bIdx, len(rows))
		}
		for i, row := range rows {
			exp := sqlbase.IntEncDatum(bIdx*50 + i)
			if row[0].String() != exp.String() {
				t.Errorf("bucket %d row %d: expected %s, got %s", bIdx, i, exp.String(), row[0].String())
			}
		}
	}
}

func TestRangeRouterDefaultDest(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	key := func(i int) []byte {
		return encoding.EncodeVarintAscending(nil, int64(i))
	}
	defaultDest := int32(1)

	spec := distsqlpb.OutputRouterSpec{
		Type: distsqlpb.OutputRouterByRange,
		RangeRouterSpec: distsqlpb.RangeRouterSpec{
			Spans: []distsqlpb.RangeRouterSpan{
				{Start: key(0), End: key(10), Stream: 0},
			},
			DefaultDest: &defaultDest,
			Encodings: []distsqlpb.RangeRouterColumnSpec{
				{Column: 0, Encoding: sqlbase.AscendingKeyEncoding},
			},
		},
	}

	bufs := make([]*RowBuffer, 2)
	recvs := make([]RowReceiver, 2)
	spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
	for i := 0; i < 2; i++ {
		bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
		recvs[i] = bufs[i]
		spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
	}
	router, wg := setupRouter(t, spec, colTypes, recvs)

	// Row 5 is inside the span; row 20 falls back to the default.
	for _, v := range []int{5, 20} {
		row := sqlbase.EncDatumRow{sqlbase.IntEncDatum(v)}
		if status := router.Push(row, nil /* meta */); status != NeedMoreRows {
			t.Fatalf("unexpected status: %d", status)
		}
	}
	router.ProducerDone()
	wg.Wait()

	if rows := bufs[0].GetRowsNoMeta(t); len(rows) != 1 {
		t.Fatalf("bucket 0: expected 1 row, got %d", len(rows))
	}
	if rows := bufs[1].GetRowsNoMeta(t); len(rows) != 1 {
		t.Fatalf("bucket 1: expected 1 row, got %d", len(rows))
	}
}

func TestRangeRouterNoSpanFound(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	key := func(i int) []byte {
		return encoding.EncodeVarintAscending(nil, int64(i))
	}

	spec := distsqlpb.OutputRouterSpec{
		Type: distsqlpb.OutputRouterByRange,
		RangeRouterSpec: distsqlpb.RangeRouterSpec{
			Spans: []distsqlpb.RangeRouterSpan{
				{Start: key(0), End: key(10), Stream: 0},
			},
			Encodings: []distsqlpb.RangeRouterColumnSpec{
				{Column: 0, Encoding: sqlbase.AscendingKeyEncoding},
			},
		},
	}

	bufs := make([]*RowBuffer, 2)
	recvs := make([]RowReceiver, 2)
	spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
	for i := 0; i < 2; i++ {
		bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
		recvs[i] = bufs[i]
		spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
	}
	router, wg := setupRouter(t, spec, colTypes, recvs)

	// A row outside all spans errors out the router.
	row := sqlbase.EncDatumRow{sqlbase.IntEncDatum(20)}
	if status := router.Push(row, nil /* meta */); status != ConsumerClosed {
		t.Fatalf("expected status %s, got %s", ConsumerClosed, status)
	}
	router.ProducerDone()
	wg.Wait()

	// The error is forwarded to the streams.
	foundErr := false
	for _, b := range bufs {
		for {
			row, meta := b.Next()
			if row == nil && meta == nil {
				break
			}
			if meta != nil && meta.Err != nil {
				if !strings.Contains(meta.Err.Error(), "no span found for key") {
					t.Errorf("unexpected error: %v", meta.Err)
				}
				foundErr = true
			}
		}
	}
	if !foundErr {
		t.Fatal("expected error metadata on the streams")
	}
}

// TestRangeRouterShortRow verifies that a row with fewer columns than the
// encodings reference results in a routing error, not a crash.
func TestRangeRouterShortRow(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	key := func(i int) []byte {
		return encoding.EncodeVarintAscending(nil, int64(i))
	}

	spec := distsqlpb.OutputRouterSpec{
		Type: distsqlpb.OutputRouterByRange,
		RangeRouterSpec: distsqlpb.RangeRouterSpec{
			Spans: []distsqlpb.RangeRouterSpan{
				{Start: key(0), End: key(10), Stream: 0},
			},
			Encodings: []distsqlpb.RangeRouterColumnSpec{
				{Column: 1, Encoding: sqlbase.AscendingKeyEncoding},
			},
		},
	}

	bufs := make([]*RowBuffer, 2)
	recvs := make([]RowReceiver, 2)
	spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
	for i := 0; i < 2; i++ {
		bufs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
		recvs[i] = bufs[i]
		spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
	}
	router, wg := setupRouter(t, spec, colTypes, recvs)

	// The row has a single column; the encodings want column 1.
	row := sqlbase.EncDatumRow{sqlbase.IntEncDatum(5)}
	if status := router.Push(row, nil /* meta */); status != ConsumerClosed {
		t.Fatalf("expected status %s, got %s", ConsumerClosed, status)
	}
	router.ProducerDone()
	wg.Wait()

	foundErr := false
	for _, b := range bufs {
		for {
			row, meta := b.Next()
			if row == nil && meta == nil {
				break
			}
			if meta != nil && meta.Err != nil {
				if !strings.Contains(meta.Err.Error(), "row with only 1 columns") {
					t.Errorf("unexpected error: %v", meta.Err)
				}
				foundErr = true
			}
		}
	}
	if !foundErr {
		t.Fatal("expected error metadata on the streams")
	}
}

func TestRangeRouterInit(t *testing.T) {
	defer leaktest.AfterTest(t)()

	key := func(i int) []byte {
		return encoding.EncodeVarintAscending(nil, int64(i))
	}
	encodings := []distsqlpb.RangeRouterColumnSpec{
		{Column: 0, Encoding: sqlbase.AscendingKeyEncoding},
	}

	testCases := []struct {
		spec distsqlpb.RangeRouterSpec
		err  string
	}{
		{
			spec: distsqlpb.RangeRouterSpec{
				Spans: []distsqlpb.RangeRouterSpan{
					{Start: key(0), End: key(10), Stream: 0},
					{Start: key(10), End: key(20), Stream: 1},
				},
				Encodings: encodings,
			},
		},
		{
			spec: distsqlpb.RangeRouterSpec{
				Spans: []distsqlpb.RangeRouterSpan{
					{Start: key(10), End: key(20), Stream: 0},
					{Start: key(0), End: key(10), Stream: 1},
				},
				Encodings: encodings,
			},
			err: "not after previous span",
		},
		{
			spec: distsqlpb.RangeRouterSpec{
				Spans: []distsqlpb.RangeRouterSpan{
					{Start: key(0), End: key(10), Stream: 0},
				},
			},
			err: "missing encodings",
		},
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			colTypes := sqlbase.MakeIntCols(1)
			spec := distsqlpb.OutputRouterSpec{
				Type:            distsqlpb.OutputRouterByRange,
				RangeRouterSpec: tc.spec,
			}
			recvs := make([]RowReceiver, 2)
			spec.Streams = make([]distsqlpb.StreamEndpointSpec, 2)
			for i := 0; i < 2; i++ {
				recvs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
				spec.Streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
			}
			_, err := makeRouter(&spec, recvs)
			if tc.err == "" {
				if err != nil {
					t.Fatal(err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Fatalf("expected error %q, got %v", tc.err, err)
			}
		})
	}
}

func TestMakeRouterErrors(t *testing.T) {
	defer leaktest.AfterTest(t)()

	colTypes := sqlbase.MakeIntCols(1)
	makeStreams := func(n int) ([]RowReceiver, []distsqlpb.StreamEndpointSpec) {
		recvs := make([]RowReceiver, n)
		streams := make([]distsqlpb.StreamEndpointSpec, n)
		for i := 0; i < n; i++ {
			recvs[i] = NewRowBuffer(colTypes, nil /* rows */, RowBufferArgs{})
			streams[i] = distsqlpb.StreamEndpointSpec{StreamID: distsqlpb.StreamID(i)}
		}
		return recvs, streams
	}

	testCases := []struct {
		routerType distsqlpb.OutputRouterType
		hashCols   []uint32
		numStreams int
		err        string
	}{
		{distsqlpb.OutputRouterPassThrough, nil, 2, "expected one stream"},
		{distsqlpb.OutputRouterMirror, nil, 1, "at least two streams"},
		{distsqlpb.OutputRouterByHash, []uint32{0}, 1, "at least two streams"},
		{distsqlpb.OutputRouterByHash, nil, 2, "no hash columns"},
	}
	for _, tc := range testCases {
		recvs, streams := makeStreams(tc.numStreams)
		spec := distsqlpb.OutputRouterSpec{
			Type:        tc.routerType,
			Streams:     streams,
			HashColumns: tc.hashCols,
		}
		if _, err := makeRouter(&spec, recvs); err == nil || !strings.Contains(err.Error(), tc.err) {
			t.Errorf("%s: expected error %q, got %v", tc.routerType, tc.err, err)
		}
	}
}
