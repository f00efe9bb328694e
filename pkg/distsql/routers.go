// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.
//
// Routers are used by processors to direct outgoing rows to (potentially)
// multiple streams.

package distsql

import (
	"bytes"
	"context"
	"hash/crc32"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	opentracing "github.com/opentracing/opentracing-go"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/syncutil"
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

type router interface {
	RowReceiver
	Startable
	init(ctx context.Context, flowCtx *FlowCtx, types []sqlbase.ColumnType)
}

// makeRouter creates a router. The router's init must be called before the
// router can be started.
func makeRouter(spec *distsqlpb.OutputRouterSpec, streams []RowReceiver) (router, error) {
	if len(streams) == 0 {
		return nil, errors.Errorf("no streams in router")
	}

	if spec.Type == distsqlpb.OutputRouterPassThrough {
		if len(streams) != 1 {
			return nil, errors.Errorf("expected one stream for passthrough router, got %d", len(streams))
		}
		// A passthrough router is just a direct connection to the stream; no
		// buffering, no extra goroutine.
		return &passThroughRouter{stream: streams[0]}, nil
	}

	var rb routerBase
	rb.setupStreams(spec, streams)

	switch spec.Type {
	case distsqlpb.OutputRouterByHash:
		return makeHashRouter(rb, spec.HashColumns)

	case distsqlpb.OutputRouterMirror:
		return makeMirrorRouter(rb)

	case distsqlpb.OutputRouterByRange:
		return makeRangeRouter(rb, spec.RangeRouterSpec)

	default:
		return nil, errors.Errorf("router type %s not supported", spec.Type)
	}
}

const routerRowBufSize = RowChannelBufSize

// routerOutput is the data associated with one router consumer.
type routerOutput struct {
	stream   RowReceiver
	streamID distsqlpb.StreamID

	// unlimitedBuffering, if set, lets the queue grow without bound instead
	// of blocking the producer when the row buffer fills up. Used when
	// blocking the producer could deadlock mutually dependent consumers.
	unlimitedBuffering bool

	mu struct {
		syncutil.Mutex
		// cond is signaled whenever the main router routine adds a metadata
		// item, a row, or sets producerDone, and whenever the output routine
		// frees up buffer space or changes the stream status.
		cond         *sync.Cond
		streamStatus ConsumerStatus

		metadataBuf []*distsqlpb.ProducerMetadata

		// The row buffer is a circular FIFO queue with rowBufLen elements
		// and the left-most (oldest) element at rowBufLeft.
		rowBuf                [routerRowBufSize]sqlbase.EncDatumRow
		rowBufLeft, rowBufLen uint32

		// overflow holds rows newer than those in rowBuf; it is only used
		// when unlimitedBuffering is set.
		overflow []sqlbase.EncDatumRow

		producerDone bool

		// cancelled is set when the flow context is done; the output routine
		// and any blocked producer give up promptly.
		cancelled bool
	}

	// rowBufToPushFrom is where the output routine stages rows popped from
	// the buffer so it can push them without holding the lock.
	rowBufToPushFrom [routerRowBufSize]sqlbase.EncDatumRow
}

func (ro *routerOutput) addMetadataLocked(meta *distsqlpb.ProducerMetadata) {
	// We don't need any fancy buffering because normally there is not a lot of
	// metadata being passed around.
	ro.mu.metadataBuf = append(ro.mu.metadataBuf, meta)
}

// addRowLocked adds a row to the output queue. If the buffer is full and
// buffering is limited, it blocks until the output routine frees up space or
// the consumer stops accepting rows. Rows pushed to draining or closed
// streams are dropped.
func (ro *routerOutput) addRowLocked(row sqlbase.EncDatumRow) {
	if !ro.unlimitedBuffering {
		for ro.mu.streamStatus == NeedMoreRows && !ro.mu.cancelled &&
			ro.mu.rowBufLen == routerRowBufSize {
			ro.mu.cond.Wait()
		}
	}
	if ro.mu.streamStatus != NeedMoreRows || ro.mu.cancelled {
		// The consumer doesn't want more rows; drop the row.
		return
	}
	if ro.mu.rowBufLen == routerRowBufSize {
		ro.mu.overflow = append(ro.mu.overflow, row)
		return
	}
	ro.mu.rowBuf[(ro.mu.rowBufLeft+ro.mu.rowBufLen)%routerRowBufSize] = row
	ro.mu.rowBufLen++
}

// popRowsLocked moves queued rows into rowBufToPushFrom and returns them.
// Rows from the overflow queue backfill the freed buffer slots.
func (ro *routerOutput) popRowsLocked() []sqlbase.EncDatumRow {
	n := 0
	for ; n < len(ro.rowBufToPushFrom) && ro.mu.rowBufLen > 0; n++ {
		ro.rowBufToPushFrom[n] = ro.mu.rowBuf[ro.mu.rowBufLeft]
		ro.mu.rowBuf[ro.mu.rowBufLeft] = nil
		ro.mu.rowBufLeft = (ro.mu.rowBufLeft + 1) % routerRowBufSize
		ro.mu.rowBufLen--
	}
	for ro.mu.rowBufLen < routerRowBufSize && len(ro.mu.overflow) > 0 {
		ro.mu.rowBuf[(ro.mu.rowBufLeft+ro.mu.rowBufLen)%routerRowBufSize] = ro.mu.overflow[0]
		ro.mu.overflow[0] = nil
		ro.mu.overflow = ro.mu.overflow[1:]
		ro.mu.rowBufLen++
	}
	if n > 0 {
		// Space has been freed up; wake up a blocked producer.
		ro.mu.cond.Broadcast()
	}
	return ro.rowBufToPushFrom[:n]
}

// See the comment for routerBase.semaphoreCount.
const semaphorePeriod = 8

type routerBase struct {
	types []sqlbase.ColumnType

	outputs []routerOutput

	// How many of the streams are not in the DrainRequested or ConsumerClosed
	// state.
	numNonDrainingStreams int32

	// aggregatedStatus is an atomic that maintains a unified view across all
	// streamStatus'es. Namely, if at least one of them is NeedMoreRows, this
	// will be NeedMoreRows. If all of them are ConsumerClosed, this will
	// (eventually) be ConsumerClosed. Otherwise, this will be DrainRequested.
	aggregatedStatus uint32

	// We use a semaphore of size len(outputs) and acquire it whenever we Push
	// to each stream as well as in the router's main Push routine. This
	// ensures that if all outputs are blocked, the main router routine blocks
	// as well (preventing runaway buffering if the source is faster than the
	// consumers).
	semaphore chan struct{}

	// To reduce synchronization overhead, we only acquire the semaphore once
	// for every semaphorePeriod rows. This count keeps track of how many rows
	// we saw since the last time we took the semaphore.
	semaphoreCount int32

	// numOutputsRunning tracks the output routines; the last one to finish
	// closes doneCh, which stops the cancellation watcher.
	numOutputsRunning int32
	doneCh            chan struct{}

	statsCollectionEnabled bool
}

func (rb *routerBase) aggStatus() ConsumerStatus {
	return ConsumerStatus(atomic.LoadUint32(&rb.aggregatedStatus))
}

func (rb *routerBase) setupStreams(spec *distsqlpb.OutputRouterSpec, streams []RowReceiver) {
	rb.numNonDrainingStreams = int32(len(streams))
	rb.semaphore = make(chan struct{}, len(streams))
	rb.outputs = make([]routerOutput, len(streams))
	for i := range rb.outputs {
		ro := &rb.outputs[i]
		ro.stream = streams[i]
		ro.streamID = spec.Streams[i].StreamID
		ro.unlimitedBuffering = spec.DisableBuffering
		ro.mu.cond = sync.NewCond(&ro.mu.Mutex)
		ro.mu.streamStatus = NeedMoreRows
	}
}

// init must be called after setupStreams but before Start.
func (rb *routerBase) init(ctx context.Context, flowCtx *FlowCtx, types []sqlbase.ColumnType) {
	// Check if we're recording a trace.
	if sp := tracing.SpanFromContext(ctx); sp != nil && tracing.IsRecording(sp) {
		rb.statsCollectionEnabled = true
	}

	rb.types = types
	for i := range rb.outputs {
		// Initialize any outboxes.
		if o, ok := rb.outputs[i].stream.(*Outbox); ok {
			o.Init(types)
		}
	}
}

// Start must be called after init.
func (rb *routerBase) Start(ctx context.Context, wg *sync.WaitGroup, _ context.CancelFunc) {
	rb.doneCh = make(chan struct{})
	rb.numOutputsRunning = int32(len(rb.outputs))
	// Watch for context cancellation so that blocked producers and idle
	// output routines are released even if the consumers never close.
	go func() {
		select {
		case <-ctx.Done():
			for i := range rb.outputs {
				ro := &rb.outputs[i]
				ro.mu.Lock()
				ro.mu.cancelled = true
				ro.mu.Unlock()
				ro.mu.cond.Broadcast()
			}
		case <-rb.doneCh:
		}
	}()

	wg.Add(len(rb.outputs))
	for i := range rb.outputs {
		go func(ctx context.Context, rb *routerBase, ro *routerOutput, wg *sync.WaitGroup) {
			var span opentracing.Span
			if rb.statsCollectionEnabled {
				ctx, span = tracing.ChildSpan(ctx, "router output")
				if span != nil {
					span.SetTag("streamid", ro.streamID)
				}
			}

			streamStatus := NeedMoreRows
			ro.mu.Lock()
			for {
				// Send any metadata that has been buffered. Note that we are
				// not maintaining the relative ordering between metadata items
				// and rows (but it doesn't matter).
				if len(ro.mu.metadataBuf) > 0 {
					m := ro.mu.metadataBuf[0]
					// Reset the value so any objects it refers to can be
					// garbage collected.
					ro.mu.metadataBuf[0] = nil
					ro.mu.metadataBuf = ro.mu.metadataBuf[1:]

					ro.mu.Unlock()

					rb.semaphore <- struct{}{}
					status := ro.stream.Push(nil /* row */, m)
					<-rb.semaphore

					rb.updateStreamState(&streamStatus, status)
					ro.mu.Lock()
					ro.mu.streamStatus = streamStatus
					ro.mu.cond.Broadcast()
					continue
				}

				// Send any rows that have been buffered. We grab multiple
				// rows at a time to reduce contention.
				if rows := ro.popRowsLocked(); len(rows) > 0 {
					ro.mu.Unlock()
					rb.semaphore <- struct{}{}
					for _, row := range rows {
						status := ro.stream.Push(row, nil /* meta */)
						rb.updateStreamState(&streamStatus, status)
					}
					<-rb.semaphore
					ro.mu.Lock()
					ro.mu.streamStatus = streamStatus
					ro.mu.cond.Broadcast()
					continue
				}

				// No rows or metadata buffered; see if the producer is done.
				if ro.mu.producerDone || ro.mu.cancelled {
					if span != nil {
						span.Finish()
						if trace := GetTraceData(ctx); trace != nil {
							ro.mu.Unlock()
							rb.semaphore <- struct{}{}
							status := ro.stream.Push(
								nil /* row */, &distsqlpb.ProducerMetadata{TraceData: trace})
							rb.updateStreamState(&streamStatus, status)
							<-rb.semaphore
							ro.mu.Lock()
						}
					}
					ro.stream.ProducerDone()
					break
				}

				// Nothing to do; wait.
				ro.mu.cond.Wait()
			}
			ro.mu.Unlock()

			if atomic.AddInt32(&rb.numOutputsRunning, -1) == 0 {
				close(rb.doneCh)
			}
			wg.Done()
		}(ctx, rb, &rb.outputs[i], wg)
	}
}

// ProducerDone is part of the RowReceiver interface.
func (rb *routerBase) ProducerDone() {
	for i := range rb.outputs {
		o := &rb.outputs[i]
		o.mu.Lock()
		o.mu.producerDone = true
		o.mu.Unlock()
		o.mu.cond.Broadcast()
	}
}

// updateStreamState updates the status of one stream and, if this was the
// last open stream, it also updates rb.aggregatedStatus.
func (rb *routerBase) updateStreamState(streamStatus *ConsumerStatus, newState ConsumerStatus) {
	if newState != *streamStatus {
		if *streamStatus == NeedMoreRows {
			// A stream state never goes from draining to non-draining, so we
			// can assume that this stream is now draining or closed.
			if atomic.AddInt32(&rb.numNonDrainingStreams, -1) == 0 {
				// Update aggregatedStatus, if the current value is NeedMoreRows.
				atomic.CompareAndSwapUint32(
					&rb.aggregatedStatus,
					uint32(NeedMoreRows),
					uint32(DrainRequested),
				)
			}
		}
		*streamStatus = newState
	}
}

// fwdMetadata forwards a metadata record to streams that are still accepting
// data. Note that if the metadata record contains an error, it is propagated
// to all non-closed streams whereas all other types of metadata are
// propagated only to the first non-closed stream.
// fwdMetadata must be called without holding any output lock.
func (rb *routerBase) fwdMetadata(meta *distsqlpb.ProducerMetadata) {
	if meta == nil {
		panic(errors.AssertionFailedf("asked to fwd empty metadata"))
	}

	rb.semaphore <- struct{}{}
	defer func() {
		<-rb.semaphore
	}()
	if metaErr := meta.Err; metaErr != nil {
		// Forward the error to all non-closed streams.
		if rb.fwdErrMetadata(metaErr) {
			return
		}
	} else {
		// Forward the metadata to the first non-closed stream.
		for i := range rb.outputs {
			ro := &rb.outputs[i]
			ro.mu.Lock()
			if ro.mu.streamStatus != ConsumerClosed {
				ro.addMetadataLocked(meta)
				ro.mu.Unlock()
				ro.mu.cond.Broadcast()
				return
			}
			ro.mu.Unlock()
		}
	}
	// If we got here it means that we couldn't even forward metadata anywhere;
	// all streams are closed.
	atomic.StoreUint32(&rb.aggregatedStatus, uint32(ConsumerClosed))
}

// fwdErrMetadata forwards err to all non-closed streams and returns a
// boolean indicating whether it was sent on at least one stream. This method
// assumes that rb.semaphore has been acquired and leaves it up to the caller
// to release it.
func (rb *routerBase) fwdErrMetadata(err error) bool {
	forwarded := false
	for i := range rb.outputs {
		ro := &rb.outputs[i]
		ro.mu.Lock()
		if ro.mu.streamStatus != ConsumerClosed {
			meta := &distsqlpb.ProducerMetadata{Err: err}
			ro.addMetadataLocked(meta)
			ro.mu.Unlock()
			ro.mu.cond.Broadcast()
			forwarded = true
		} else {
			ro.mu.Unlock()
		}
	}
	return forwarded
}

func (rb *routerBase) shouldUseSemaphore() bool {
	rb.semaphoreCount++
	if rb.semaphoreCount >= semaphorePeriod {
		rb.semaphoreCount = 0
		return true
	}
	return false
}

// passThroughRouter feeds rows directly to its one stream.
type passThroughRouter struct {
	stream RowReceiver
}

var _ router = &passThroughRouter{}

// Push is part of the RowReceiver interface.
func (p *passThroughRouter) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	return p.stream.Push(row, meta)
}

// ProducerDone is part of the RowReceiver interface.
func (p *passThroughRouter) ProducerDone() {
	p.stream.ProducerDone()
}

func (p *passThroughRouter) init(_ context.Context, _ *FlowCtx, types []sqlbase.ColumnType) {
	if o, ok := p.stream.(*Outbox); ok {
		o.Init(types)
	}
}

// Start is part of the Startable interface.
func (p *passThroughRouter) Start(context.Context, *sync.WaitGroup, context.CancelFunc) {}

type mirrorRouter struct {
	routerBase
}

type hashRouter struct {
	routerBase

	hashCols []uint32
	buffer   []byte
	alloc    sqlbase.DatumAlloc
}

// rangeRouter maps a row to a stream by encoding a prefix of its columns
// into a key and locating that key within a set of spans. Keys in the nth
// span are mapped to the nth stream.
type rangeRouter struct {
	routerBase

	alloc sqlbase.DatumAlloc
	// b is a temp storage location used during encoding.
	b         []byte
	encodings []distsqlpb.RangeRouterColumnSpec
	spans     []distsqlpb.RangeRouterSpan
	// defaultDest, if set, sends any row not matching a span to this stream.
	// If not set and a non-matching row is encountered, an error is returned
	// and the router is shut down.
	defaultDest *int
}

var _ RowReceiver = &mirrorRouter{}
var _ RowReceiver = &hashRouter{}
var _ RowReceiver = &rangeRouter{}

func makeMirrorRouter(rb routerBase) (router, error) {
	if len(rb.outputs) < 2 {
		return nil, errors.Errorf("need at least two streams for mirror router")
	}
	return &mirrorRouter{routerBase: rb}, nil
}

// Push is part of the RowReceiver interface.
func (mr *mirrorRouter) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	aggStatus := mr.aggStatus()
	if meta != nil {
		mr.fwdMetadata(meta)
		// fwdMetadata can change the status, re-read it.
		return mr.aggStatus()
	}
	if aggStatus != NeedMoreRows {
		return aggStatus
	}

	useSema := mr.shouldUseSemaphore()
	if useSema {
		mr.semaphore <- struct{}{}
	}

	for i := range mr.outputs {
		ro := &mr.outputs[i]
		ro.mu.Lock()
		ro.addRowLocked(row)
		ro.mu.Unlock()
		ro.mu.cond.Broadcast()
	}
	if useSema {
		<-mr.semaphore
	}
	return aggStatus
}

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

func makeHashRouter(rb routerBase, hashCols []uint32) (router, error) {
	if len(rb.outputs) < 2 {
		return nil, errors.Errorf("need at least two streams for hash router")
	}
	if len(hashCols) == 0 {
		return nil, errors.Errorf("no hash columns for BY_HASH router")
	}
	return &hashRouter{hashCols: hashCols, routerBase: rb}, nil
}

// Push is part of the RowReceiver interface.
//
// If, according to the hash, the row needs to go to a consumer that's
// draining or closed, the row is silently dropped.
func (hr *hashRouter) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	aggStatus := hr.aggStatus()
	if meta != nil {
		hr.fwdMetadata(meta)
		// fwdMetadata can change the status, re-read it.
		return hr.aggStatus()
	}
	if aggStatus != NeedMoreRows {
		return aggStatus
	}

	useSema := hr.shouldUseSemaphore()
	if useSema {
		hr.semaphore <- struct{}{}
	}

	streamIdx, err := hr.computeDestination(row)
	if err == nil {
		ro := &hr.outputs[streamIdx]
		ro.mu.Lock()
		ro.addRowLocked(row)
		ro.mu.Unlock()
		ro.mu.cond.Broadcast()
	}
	if useSema {
		<-hr.semaphore
	}
	if err != nil {
		hr.fwdMetadata(&distsqlpb.ProducerMetadata{Err: err})
		atomic.StoreUint32(&hr.aggregatedStatus, uint32(ConsumerClosed))
		return ConsumerClosed
	}
	return aggStatus
}

// computeDestination hashes a row and returns the index of the output stream
// on which it must be sent.
func (hr *hashRouter) computeDestination(row sqlbase.EncDatumRow) (int, error) {
	hr.buffer = hr.buffer[:0]
	for _, col := range hr.hashCols {
		if int(col) >= len(row) {
			err := errors.Errorf("hash column %d, row with only %d columns", col, len(row))
			return -1, err
		}
		var err error
		hr.buffer, err = row[col].Fingerprint(&hr.alloc, hr.buffer)
		if err != nil {
			return -1, err
		}
	}

	// We use CRC32-C because it makes for a decent hash function and is
	// faster than most hashing algorithms (on recent x86 platforms where it
	// is hardware accelerated).
	return int(crc32.Update(0, crc32Table, hr.buffer) % uint32(len(hr.outputs))), nil
}

func makeRangeRouter(rb routerBase, spec distsqlpb.RangeRouterSpec) (*rangeRouter, error) {
	if len(spec.Encodings) == 0 {
		return nil, errors.New("missing encodings")
	}
	var defaultDest *int
	if spec.DefaultDest != nil {
		i := int(*spec.DefaultDest)
		defaultDest = &i
	}
	var prevKey []byte
	// Verify spans are sorted and non-overlapping.
	for i, span := range spec.Spans {
		if bytes.Compare(prevKey, span.Start) > 0 {
			return nil, errors.Errorf("span %d not after previous span", i)
		}
		prevKey = span.End
	}
	return &rangeRouter{
		routerBase:  rb,
		spans:       spec.Spans,
		defaultDest: defaultDest,
		encodings:   spec.Encodings,
	}, nil
}

// Push is part of the RowReceiver interface.
func (rr *rangeRouter) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	aggStatus := rr.aggStatus()
	if meta != nil {
		rr.fwdMetadata(meta)
		// fwdMetadata can change the status, re-read it.
		return rr.aggStatus()
	}

	useSema := rr.shouldUseSemaphore()
	if useSema {
		rr.semaphore <- struct{}{}
	}

	streamIdx, err := rr.computeDestination(row)
	if err == nil {
		ro := &rr.outputs[streamIdx]
		ro.mu.Lock()
		ro.addRowLocked(row)
		ro.mu.Unlock()
		ro.mu.cond.Broadcast()
	}
	if useSema {
		<-rr.semaphore
	}
	if err != nil {
		rr.fwdMetadata(&distsqlpb.ProducerMetadata{Err: err})
		atomic.StoreUint32(&rr.aggregatedStatus, uint32(ConsumerClosed))
		return ConsumerClosed
	}
	return aggStatus
}

func (rr *rangeRouter) computeDestination(row sqlbase.EncDatumRow) (int, error) {
	var err error
	rr.b = rr.b[:0]
	for _, enc := range rr.encodings {
		col := enc.Column
		if int(col) >= len(row) {
			return 0, errors.Errorf("range column %d, row with only %d columns", col, len(row))
		}
		rr.b, err = row[col].Encode(&rr.alloc, enc.Encoding, rr.b)
		if err != nil {
			return 0, err
		}
	}
	i := rr.spanForData(rr.b)
	if i == -1 {
		if rr.defaultDest == nil {
			return 0, errors.New("no span found for key")
		}
		return *rr.defaultDest, nil
	}
	return i, nil
}

// spanForData returns the index of the first span that data is within
// [start, end). A -1 is returned if no such span is found.
func (rr *rangeRouter) spanForData(data []byte) int {
	i := sort.Search(len(rr.spans), func(i int) bool {
		return bytes.Compare(rr.spans[i].End, data) > 0
	})

	// If we didn't find an i where data < end, return -1.
	if i == len(rr.spans) {
		return -1
	}
	// Make sure the Start is <= data.
	if bytes.Compare(rr.spans[i].Start, data) > 0 {
		return -1
	}
	return int(rr.spans[i].Stream)
}
