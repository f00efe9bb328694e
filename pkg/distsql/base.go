// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

// Package distsql implements the data movement layer of distributed flows:
// output routers, input synchronizers, the stream wire format, and the
// registry that connects streams of remote flows.
package distsql

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/log"
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

// RowChannelBufSize is the default buffer size of a RowChannel.
const RowChannelBufSize = 16

// ConsumerStatus is the type returned by RowReceiver.Push(), informing a
// producer of the consumer's state.
type ConsumerStatus uint32

const (
	// NeedMoreRows indicates that the consumer is still expecting more rows.
	NeedMoreRows ConsumerStatus = iota
	// DrainRequested indicates that the consumer will not process any more
	// data rows, but will accept trailing metadata from the producer.
	DrainRequested
	// ConsumerClosed indicates that the consumer will not process any more
	// data rows or metadata. This is also commonly returned in case the
	// consumer has encountered an error.
	ConsumerClosed
)

// String implements fmt.Stringer.
func (s ConsumerStatus) String() string {
	switch s {
	case NeedMoreRows:
		return "NeedMoreRows"
	case DrainRequested:
		return "DrainRequested"
	case ConsumerClosed:
		return "ConsumerClosed"
	default:
		return "InvalidConsumerStatus"
	}
}

// RowReceiver is any component of a flow that receives rows from another
// component. It can be an input synchronizer, a router, or a mailbox.
type RowReceiver interface {
	// Push sends a record to the consumer of this RowReceiver. Exactly one of
	// the row or meta arguments must be specified (i.e. either a row needs to
	// be pushed or metadata needs to be pushed). May block.
	//
	// The return value indicates the current status of the consumer. Depending
	// on it, producers are expected to drain or shut down. In all cases,
	// ProducerDone() needs to be called (after draining is done, if draining
	// was requested).
	//
	// Unless specifically permitted by the underlying implementation, (i.e. a
	// RowChannel) the sender must not modify the row after calling this
	// function.
	//
	// After DrainRequested is returned, it is expected that all future calls
	// only carry metadata (however that is not enforced and implementations
	// should be prepared to discard non-metadata rows). After ConsumerClosed
	// is returned, implementations have to ignore further calls to Push()
	// (such calls are allowed because there might be multiple producers for a
	// single RowReceiver and they might not all be aware of the last status
	// returned).
	//
	// Implementations of Push() must be thread-safe.
	Push(row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata) ConsumerStatus

	// ProducerDone is called when the producer has pushed all the rows and
	// metadata; it causes the RowReceiver to process all rows and clean up.
	//
	// ProducerDone() cannot be called concurrently with Push(), and after it
	// is called, no other method can be called.
	ProducerDone()
}

// RowSource is any component of a flow that produces rows that can be
// consumed by another component.
//
// Communication components generally (e.g. RowChannels) implement this
// interface. Iterating through a valid RowSource is done as follows:
//
//	for {
//	  row, meta := source.Next()
//	  if row == nil && meta == nil {
//	    // Done.
//	    break
//	  }
//	  // Process row and meta. If an unrecoverable error is encountered, the
//	  // consumer needs to call ConsumerDone and drain, or ConsumerClosed.
//	}
type RowSource interface {
	// OutputTypes returns the schema for the rows in this source.
	OutputTypes() []sqlbase.ColumnType

	// Next returns the next record from the source. At most one of the return
	// values is non-empty. Both of them are empty if the source has been
	// exhausted.
	//
	// A ProducerMetadata record may contain an error. In that case, this
	// interface is oblivious about the semantics: implementers may continue
	// returning different rows on future calls, or may return an empty record
	// (thus asking the consumer to stop asking for rows). In either case,
	// implementers are free to continue returning metadata.
	Next() (sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata)

	// ConsumerDone lets the source know that we will not need any more data
	// rows. The source is expected to start draining and only send metadata
	// rows. May be called multiple times.
	ConsumerDone()

	// ConsumerClosed informs the source that the consumer is done and will not
	// make any more calls to Next(). Must only be called once on a given
	// RowSource. The implementation may block until the corresponding producer
	// notices the closure; the producer is then expected to terminate.
	ConsumerClosed()
}

// DrainAndForwardMetadata calls src.ConsumerDone() (thus asking src for
// draining metadata) and then forwards all the metadata to dst.
//
// When this returns, src has been properly closed (regardless of the status
// of dst). dst, however, has not been closed; someone else will have to call
// dst.ProducerDone().
func DrainAndForwardMetadata(ctx context.Context, src RowSource, dst RowReceiver) {
	src.ConsumerDone()
	for {
		row, meta := src.Next()
		if meta == nil {
			if row == nil {
				return
			}
			continue
		}
		if row != nil {
			log.Fatalf(
				ctx, "both row data and metadata in the same record. row: %s meta: %+v", row, meta,
			)
		}

		switch dst.Push(nil /* row */, meta) {
		case ConsumerClosed:
			src.ConsumerClosed()
			return
		case NeedMoreRows, DrainRequested:
		}
	}
}

// GetTraceData returns the trace data of the span in ctx, if it is
// recording.
func GetTraceData(ctx context.Context) []tracing.RecordedSpan {
	if sp := tracing.SpanFromContext(ctx); sp != nil {
		return tracing.GetRecording(sp)
	}
	return nil
}

// SendTraceData collects the tracing information from the context and pushes
// it to dst. The ConsumerStatus returned by dst is ignored.
//
// Note that the tracing data is distinct between different processors, since
// each one gets its own trace "recording group".
func SendTraceData(ctx context.Context, dst RowReceiver) {
	if rec := GetTraceData(ctx); rec != nil {
		dst.Push(nil /* row */, &distsqlpb.ProducerMetadata{TraceData: rec})
	}
}

// rowSourceBase provides common functionality for RowSource implementations
// that need to track consumer status.
type rowSourceBase struct {
	// consumerStatus is an atomic used in implementation of the
	// RowSource.Consumer{Done,Closed} methods to signal that the consumer is
	// done accepting rows or is no longer accepting data.
	consumerStatus ConsumerStatus
}

// consumerDone helps processors implement RowSource.ConsumerDone.
func (rb *rowSourceBase) consumerDone() {
	atomic.CompareAndSwapUint32((*uint32)(&rb.consumerStatus),
		uint32(NeedMoreRows), uint32(DrainRequested))
}

// consumerClosed helps processors implement RowSource.ConsumerClosed. The
// name is only used for debug messages.
func (rb *rowSourceBase) consumerClosed(name string) {
	status := ConsumerStatus(atomic.LoadUint32((*uint32)(&rb.consumerStatus)))
	if status == ConsumerClosed {
		log.Fatalf(context.TODO(), "%s already closed", name)
	}
	atomic.StoreUint32((*uint32)(&rb.consumerStatus), uint32(ConsumerClosed))
}

// rowChannelMsg is the message used in the channels that implement local
// physical streams.
type rowChannelMsg struct {
	// Only one of these fields will be set.
	Row  sqlbase.EncDatumRow
	Meta *distsqlpb.ProducerMetadata
}

// RowChannel is a thin layer over a rowChannelMsg channel, which can be used
// to transfer rows between goroutines.
type RowChannel struct {
	rowSourceBase

	types []sqlbase.ColumnType

	// The channel on which rows are delivered.
	C <-chan rowChannelMsg

	// dataChan is the same channel as C.
	dataChan chan rowChannelMsg

	// numSenders is an atomic counter that keeps track of how many senders
	// have yet to call ProducerDone().
	numSenders int32
}

var _ RowReceiver = &RowChannel{}
var _ RowSource = &RowChannel{}

// InitWithNumSenders initializes the RowChannel with the default buffer size.
// numSenders is the number of producers that will be pushing to this channel.
// RowChannel will not be closed until it receives numSenders calls to
// ProducerDone().
func (rc *RowChannel) InitWithNumSenders(types []sqlbase.ColumnType, numSenders int) {
	rc.InitWithBufSizeAndNumSenders(types, RowChannelBufSize, numSenders)
}

// InitWithBufSizeAndNumSenders initializes the RowChannel with a given buffer
// size and number of senders.
func (rc *RowChannel) InitWithBufSizeAndNumSenders(
	types []sqlbase.ColumnType, chanBufSize, numSenders int,
) {
	rc.types = types
	rc.dataChan = make(chan rowChannelMsg, chanBufSize)
	rc.C = rc.dataChan
	atomic.StoreInt32(&rc.numSenders, int32(numSenders))
}

// Push is part of the RowReceiver interface.
func (rc *RowChannel) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	consumerStatus := ConsumerStatus(
		atomic.LoadUint32((*uint32)(&rc.consumerStatus)))
	switch consumerStatus {
	case NeedMoreRows:
		rc.dataChan <- rowChannelMsg{Row: row, Meta: meta}
	case DrainRequested:
		// If we're draining, only forward metadata.
		if meta != nil {
			rc.dataChan <- rowChannelMsg{Meta: meta}
		}
	case ConsumerClosed:
		// If the consumer is gone, swallow all the rows and the metadata.
	}
	return consumerStatus
}

// ProducerDone is part of the RowReceiver interface.
func (rc *RowChannel) ProducerDone() {
	newVal := atomic.AddInt32(&rc.numSenders, -1)
	if newVal < 0 {
		panic(errors.AssertionFailedf("too many ProducerDone() calls"))
	}
	if newVal == 0 {
		close(rc.dataChan)
	}
}

// OutputTypes is part of the RowSource interface.
func (rc *RowChannel) OutputTypes() []sqlbase.ColumnType {
	return rc.types
}

// Next is part of the RowSource interface.
func (rc *RowChannel) Next() (sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata) {
	d, ok := <-rc.C
	if !ok {
		// No more rows.
		return nil, nil
	}
	return d.Row, d.Meta
}

// ConsumerDone is part of the RowSource interface.
func (rc *RowChannel) ConsumerDone() {
	rc.consumerDone()
}

// ConsumerClosed is part of the RowSource interface.
func (rc *RowChannel) ConsumerClosed() {
	rc.consumerClosed("RowChannel")
	numSenders := atomic.LoadInt32(&rc.numSenders)
	// Drain (at most) one message in case the sender is blocked trying to emit
	// a row. Note that, if the sender is done, then it has also closed the
	// channel this will not block. The sender might be neither blocked nor
	// closed, in which case this will block until a row is sent or the channel
	// is closed, which is the sender's job to eventually do.
	if numSenders > 0 {
		<-rc.dataChan
	}
}
