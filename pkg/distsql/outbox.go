// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/log"
)

const outboxBufRows = 16
const outboxFlushPeriod = 100 * time.Microsecond

// FlowStreamClient is the producer-side handle of a stream connection to a
// remote flow. Implementations are provided by the transport layer.
type FlowStreamClient interface {
	// Send delivers a message to the consumer. It may block.
	Send(*distsqlpb.ProducerMessage) error
	// Recv returns the next signal sent by the consumer. It blocks until a
	// signal is available, the consumer performs a graceful close (io.EOF),
	// or the stream breaks.
	Recv() (*distsqlpb.ConsumerSignal, error)
	// CloseSend informs the consumer that no more messages will be sent.
	CloseSend() error
}

// FlowStreamServer is the consumer-side handle of a stream; the outbox uses
// it when the rows are the response to the query and flow directly to the
// gateway's caller.
type FlowStreamServer interface {
	Send(*distsqlpb.ProducerMessage) error
}

// StreamDialer establishes outgoing stream connections to other nodes. It is
// implemented by the transport layer.
type StreamDialer interface {
	DialFlowStream(ctx context.Context, nodeID base.NodeID) (FlowStreamClient, error)
}

// Outbox implements an outgoing mailbox as a RowReceiver that receives rows
// and sends them to a transport stream. Its core logic runs in a goroutine.
// We send rows when we accumulate outboxBufRows or every outboxFlushPeriod
// (whichever comes first).
type Outbox struct {
	// RowChannel implements the RowReceiver interface.
	RowChannel

	flowCtx  *FlowCtx
	nodeID   base.NodeID
	streamID distsqlpb.StreamID
	stream   FlowStreamClient

	// syncFlowStream is set if we are outputting to a sync flow stream; in
	// that case nodeID and stream will not be set.
	syncFlowStream FlowStreamServer

	encoder StreamEncoder
	// numRows and numMeta count the records that have been accumulated in
	// the encoder since the last flush.
	numRows int
	numMeta int

	// flushTriggered is set the first time a message is sent; used to decide
	// whether a final empty message (carrying the header) is needed.
	flushTriggered bool

	err error
	wg  *sync.WaitGroup
}

var _ RowReceiver = &Outbox{}
var _ Startable = &Outbox{}

// NewOutbox creates a new outbox that will dial the given node and open a
// stream identified by (flowID, streamID).
func NewOutbox(
	flowCtx *FlowCtx, nodeID base.NodeID, flowID distsqlpb.FlowID, streamID distsqlpb.StreamID,
) *Outbox {
	m := &Outbox{flowCtx: flowCtx, nodeID: nodeID, streamID: streamID}
	m.encoder.SetHeaderFields(flowID, streamID)
	return m
}

// NewOutboxSyncFlowStream sets up an outbox for the special "sync flow"
// stream. The flow context should be provided via SetFlowCtx when it is
// available.
func NewOutboxSyncFlowStream(stream FlowStreamServer) *Outbox {
	return &Outbox{syncFlowStream: stream}
}

// SetFlowCtx sets the flow context for the outbox.
func (m *Outbox) SetFlowCtx(flowCtx *FlowCtx) {
	m.flowCtx = flowCtx
}

// Init initializes the Outbox with the types of the rows it will receive.
func (m *Outbox) Init(types []sqlbase.ColumnType) {
	if types == nil {
		// We check for nil to detect uninitialized cases; so we explicitly
		// use an empty slice.
		types = make([]sqlbase.ColumnType, 0)
	}
	m.RowChannel.InitWithNumSenders(types, 1)
}

// addRow encodes a row into the encoder. If enough rows were accumulated,
// flush() is called.
//
// If an error is returned, the outbox's stream might or might not be usable;
// if it's not usable, it will have been set to nil. The error might be a
// communication error, in which case the other side of the stream should get
// it too, or it might be an encoding error, in which case we've forwarded it
// on the stream.
func (m *Outbox) addRow(
	ctx context.Context, row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) error {
	mustFlush := false
	var encodingErr error
	if meta != nil {
		m.encoder.AddMetadata(*meta)
		m.numMeta++
		// If we hit an error, let's forward it ASAP. The consumer will hold
		// off on processing rows until it gets all the metadata.
		mustFlush = meta.Err != nil
	} else {
		encodingErr = m.encoder.AddRow(row)
		if encodingErr != nil {
			m.encoder.AddMetadata(distsqlpb.ProducerMetadata{Err: encodingErr})
			mustFlush = true
		}
		m.numRows++
	}
	var flushErr error
	if m.numRows >= outboxBufRows || mustFlush {
		flushErr = m.flush(ctx)
	}
	if encodingErr != nil {
		return encodingErr
	}
	return flushErr
}

// flush sends the rows accumulated so far in a ProducerMessage. Any error
// returned indicates that sending a message on the stream failed, and thus
// the stream can't be used any more. The stream is also set to nil if an
// error is returned.
func (m *Outbox) flush(ctx context.Context) error {
	if m.numRows == 0 && m.numMeta == 0 && m.flushTriggered {
		return nil
	}
	msg := m.encoder.FormMessage(ctx)

	if log.V(3) {
		log.Infof(ctx, "flushing outbox")
	}
	var sendErr error
	if m.stream != nil {
		sendErr = m.stream.Send(msg)
	} else {
		sendErr = m.syncFlowStream.Send(msg)
	}
	if sendErr != nil {
		// Make sure the stream is not used any more.
		m.stream = nil
		if log.V(1) {
			log.Errorf(ctx, "outbox flush error: %s", sendErr)
		}
	} else if log.V(3) {
		log.Infof(ctx, "outbox flushed")
	}
	if sendErr != nil {
		return sendErr
	}

	m.numRows = 0
	m.numMeta = 0
	m.flushTriggered = true
	return nil
}

// mainLoop reads from m.RowChannel and writes to the output stream through
// addRow()/flush() until the producer doesn't have any more data to send or
// an error happened.
//
// If the consumer asks the producer to drain, mainLoop() will relay this
// information and, again, wait until the producer doesn't have any more data
// to send (the producer is supposed to only send trailing metadata once it
// receives this signal).
func (m *Outbox) mainLoop(ctx context.Context) error {
	if m.stream == nil && m.syncFlowStream == nil {
		var err error
		m.stream, err = m.flowCtx.Cfg.Dialer.DialFlowStream(ctx, m.nodeID)
		if err != nil {
			// An error during stream setup - the whole query will fail, so we
			// might as well proactively propagate the error to the consumer.
			m.RowChannel.ConsumerClosed()
			return err
		}
	}

	var flushTicker = time.NewTicker(outboxFlushPeriod)
	defer flushTicker.Stop()

	draining := false

	// The consumer sends drain and close signals on the stream; listen for
	// them in a separate goroutine since Recv blocks.
	var drainCh <-chan drainSignal
	if m.stream != nil {
		drainCh = m.listenForDrainSignalFromConsumer(ctx)
	}

	for {
		select {
		case msg, ok := <-m.RowChannel.C:
			if !ok {
				// No more data.
				err := m.flush(ctx)
				if err != nil {
					return err
				}
				if m.stream != nil {
					return m.stream.CloseSend()
				}
				return nil
			}
			if msg.Meta == nil && draining {
				// If we're draining, we ignore all the rows and just send
				// metadata.
				continue
			}
			err := m.addRow(ctx, msg.Row, msg.Meta)
			if err != nil {
				// Try to flush to send out the error, but ignore any error
				// from the flush itself.
				_ = m.flush(ctx)
				return err
			}

		case <-flushTicker.C:
			err := m.flush(ctx)
			if err != nil {
				return err
			}

		case signal := <-drainCh:
			drainCh = nil
			if signal.err != nil {
				// The consumer is either dead or really confused; either way,
				// stop sending and tell the producer to shut down.
				m.RowChannel.ConsumerClosed()
				return signal.err
			}
			if signal.drainRequested {
				// Enter draining mode.
				draining = true
				m.RowChannel.ConsumerDone()
			} else {
				// The consumer closed gracefully without requesting a drain;
				// nothing more to send.
				m.RowChannel.ConsumerClosed()
				return nil
			}

		case <-ctx.Done():
			m.RowChannel.ConsumerClosed()
			return ctx.Err()
		}
	}
}

// drainSignal is a signal received from the consumer of an outbox.
type drainSignal struct {
	// drainRequested, if set, means that the consumer is draining: it still
	// accepts metadata, but no more rows. If not set, the consumer has
	// closed the stream gracefully and nothing more should be sent.
	drainRequested bool
	err            error
}

// listenForDrainSignalFromConsumer returns a channel that receives at most
// one drainSignal.
func (m *Outbox) listenForDrainSignalFromConsumer(ctx context.Context) <-chan drainSignal {
	ch := make(chan drainSignal, 1)
	stream := m.stream
	go func() {
		for {
			signal, err := stream.Recv()
			if err == io.EOF {
				ch <- drainSignal{drainRequested: false}
				return
			}
			if err != nil {
				ch <- drainSignal{err: err}
				return
			}
			if signal.DrainRequest != nil {
				ch <- drainSignal{drainRequested: true}
				return
			}
			// Consumer handshakes are informational only.
			if log.V(2) && signal.Handshake != nil {
				log.Infof(ctx, "consumer handshake: scheduled=%t", signal.Handshake.ConsumerScheduled)
			}
		}
	}()
	return ch
}

func (m *Outbox) run(ctx context.Context) {
	err := m.mainLoop(ctx)
	if err != nil {
		// The main loop returned an error: the RowChannel consumer status
		// has already been set, but there might be a producer blocked on a
		// full channel. Drain the channel to allow it to observe the status.
		for range m.RowChannel.C {
		}
	}

	m.err = err
	if m.wg != nil {
		m.wg.Done()
	}
}

// Start starts the outbox.
func (m *Outbox) Start(ctx context.Context, wg *sync.WaitGroup, _ context.CancelFunc) {
	if m.OutputTypes() == nil {
		panic("outbox not initialized")
	}
	if wg != nil {
		wg.Add(1)
	}
	m.wg = wg
	go m.run(ctx)
}

// Err returns the error (if any occurred) while Outbox was running.
func (m *Outbox) Err() error {
	return m.err
}
