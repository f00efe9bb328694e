// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"

	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/ctxgroup"
	"github.com/shakeelrao/distflow/pkg/util/encoding"
	"github.com/shakeelrao/distflow/pkg/util/log"
)

// Startable is any component that can be started when a flow starts.
type Startable interface {
	// Start runs the component's goroutines, registering them with wg.
	// ctxCancel is called when the component encounters an unrecoverable
	// error that should take down the whole flow.
	Start(ctx context.Context, wg *sync.WaitGroup, ctxCancel context.CancelFunc)
}

// Processor is a common interface implemented by all processors, used by the
// higher-level flow orchestration code.
type Processor interface {
	// OutputTypes returns the column types of the results.
	OutputTypes() []sqlbase.ColumnType

	// Run is the main loop of the processor. Errors are communicated to the
	// consumer as metadata, not returned.
	Run(ctx context.Context)
}

// FlowCtx encompasses the contexts needed for various flow components.
type FlowCtx struct {
	// Cfg points to the configuration of the server this flow runs on.
	Cfg *ServerConfig

	// ID is a unique identifier for the flow shared by all the flows of one
	// query.
	ID distsqlpb.FlowID

	// NodeID is the ID of the node on which this flow runs.
	NodeID base.NodeID

	// Local is true if this flow is being run as part of a query that
	// doesn't involve other nodes.
	Local bool
}

type flowStatus int

// Flow status indicators.
const (
	flowNotStarted flowStatus = iota
	flowRunning
	flowFinished
)

// Flow represents a flow which consists of processors and streams.
type Flow struct {
	FlowCtx

	flowRegistry *flowRegistry

	// processors contains a subset of the processors in the flow: the ones
	// that run in their own goroutines.
	processors []Processor

	// startables are entities that must be started when the flow starts;
	// currently these are outboxes and routers.
	startables []Startable

	// syncFlowConsumer is a special outbox which instead of sending rows to
	// another node, returns them directly (as a result to a SetupSyncFlow
	// RPC, or to the local host).
	syncFlowConsumer RowReceiver

	localStreams map[distsqlpb.StreamID]RowReceiver

	// inboundStreams are streams that receive data from other hosts; this
	// map is to be passed to flowRegistry.RegisterFlow.
	inboundStreams map[distsqlpb.StreamID]*InboundStreamInfo

	// processorGroup runs the processor goroutines.
	processorGroup ctxgroup.Group

	// waitGroup is used to wait for async components of the flow other than
	// the processors:
	//  - inbound streams
	//  - outboxes
	waitGroup sync.WaitGroup

	doneFn func()

	status flowStatus

	// Cancel function for ctx. Call this to cancel the flow (safe to be
	// called multiple times).
	ctxCancel context.CancelFunc

	spec *distsqlpb.FlowSpec
}

func newFlow(flowCtx FlowCtx, flowReg *flowRegistry, syncFlowConsumer RowReceiver) *Flow {
	f := &Flow{
		FlowCtx:          flowCtx,
		flowRegistry:     flowReg,
		syncFlowConsumer: syncFlowConsumer,
	}
	f.status = flowNotStarted
	return f
}

// setupInboundStream adds a stream to the stream map (inboundStreams or
// localStreams).
func (f *Flow) setupInboundStream(
	ctx context.Context, spec distsqlpb.StreamEndpointSpec, receiver RowReceiver,
) error {
	sid := spec.StreamID
	switch spec.Type {
	case distsqlpb.StreamEndpointSyncResponse:
		return errors.Errorf("inbound stream of type SYNC_RESPONSE")

	case distsqlpb.StreamEndpointRemote:
		if _, found := f.inboundStreams[sid]; found {
			return errors.Errorf("inbound stream %d has multiple consumers", sid)
		}
		if f.inboundStreams == nil {
			f.inboundStreams = make(map[distsqlpb.StreamID]*InboundStreamInfo)
		}
		if log.V(2) {
			log.Infof(ctx, "set up inbound stream %d", sid)
		}
		f.inboundStreams[sid] = NewInboundStreamInfo(receiver, &f.waitGroup)

	case distsqlpb.StreamEndpointLocal:
		if _, found := f.localStreams[sid]; found {
			return errors.Errorf("local stream %d has multiple consumers", sid)
		}
		if f.localStreams == nil {
			f.localStreams = make(map[distsqlpb.StreamID]RowReceiver)
		}
		f.localStreams[sid] = receiver

	default:
		return errors.Errorf("invalid stream type %d", spec.Type)
	}

	return nil
}

// setupOutboundStream sets up an output stream; if the stream is local, the
// RowChannel is looked up in the localStreams map; otherwise an outgoing
// mailbox is created.
func (f *Flow) setupOutboundStream(spec distsqlpb.StreamEndpointSpec) (RowReceiver, error) {
	sid := spec.StreamID
	switch spec.Type {
	case distsqlpb.StreamEndpointSyncResponse:
		return f.syncFlowConsumer, nil

	case distsqlpb.StreamEndpointRemote:
		outbox := NewOutbox(&f.FlowCtx, spec.TargetNodeID, f.ID, sid)
		f.startables = append(f.startables, outbox)
		return outbox, nil

	case distsqlpb.StreamEndpointLocal:
		rowChan, found := f.localStreams[sid]
		if !found {
			return nil, errors.Errorf("unconnected inbound stream %d", sid)
		}
		return rowChan, nil

	default:
		return nil, errors.Errorf("invalid stream type %d", spec.Type)
	}
}

// convertOrdering maps the ordering specification to a ColumnOrdering.
func convertOrdering(ordering distsqlpb.Ordering) sqlbase.ColumnOrdering {
	columnOrdering := make(sqlbase.ColumnOrdering, len(ordering.Columns))
	for i, col := range ordering.Columns {
		columnOrdering[i].ColIdx = int(col.ColIdx)
		if col.Direction == distsqlpb.OrderingDescending {
			columnOrdering[i].Direction = encoding.Descending
		} else {
			columnOrdering[i].Direction = encoding.Ascending
		}
	}
	return columnOrdering
}

// setupInputSyncs populates a slice of input syncs, one for each input of
// each processor.
func (f *Flow) setupInputSyncs(ctx context.Context) ([][]RowSource, error) {
	inputSyncs := make([][]RowSource, len(f.spec.Processors))
	for pIdx, ps := range f.spec.Processors {
		for _, is := range ps.Input {
			if len(is.Streams) == 0 {
				return nil, errors.Errorf("input sync with no streams")
			}
			var sync RowSource
			switch is.Type {
			case distsqlpb.InputSyncUnordered:
				mrc := &RowChannel{}
				mrc.InitWithNumSenders(is.ColumnTypes, len(is.Streams))
				for _, s := range is.Streams {
					if err := f.setupInboundStream(ctx, s, mrc); err != nil {
						return nil, err
					}
				}
				sync = mrc

			case distsqlpb.InputSyncOrdered:
				// Ordered synchronizer: create a RowChannel for each input.
				streams := make([]RowSource, len(is.Streams))
				for i, s := range is.Streams {
					rowChan := &RowChannel{}
					rowChan.InitWithNumSenders(is.ColumnTypes, 1 /* numSenders */)
					if err := f.setupInboundStream(ctx, s, rowChan); err != nil {
						return nil, err
					}
					streams[i] = rowChan
				}
				var err error
				ordered, err := makeOrderedSync(convertOrdering(is.Ordering), is.ColumnTypes, streams)
				if err != nil {
					return nil, err
				}
				ordered.Start(ctx)
				sync = ordered

			default:
				return nil, errors.Errorf("unsupported input sync type %s", is.Type)
			}
			inputSyncs[pIdx] = append(inputSyncs[pIdx], sync)
		}
	}
	return inputSyncs, nil
}

func (f *Flow) setupProcessors(ctx context.Context, inputSyncs [][]RowSource) error {
	f.processors = make([]Processor, 0, len(f.spec.Processors))

	for i := range f.spec.Processors {
		ps := &f.spec.Processors[i]
		if len(ps.Output) != 1 {
			return errors.Errorf("processor with %d outputs", len(ps.Output))
		}

		p, err := f.makeProcessor(ctx, ps, inputSyncs[i])
		if err != nil {
			return err
		}
		f.processors = append(f.processors, p)
	}
	return nil
}

func (f *Flow) makeProcessor(
	ctx context.Context, ps *distsqlpb.ProcessorSpec, inputs []RowSource,
) (Processor, error) {
	spec := &ps.Output[0]
	streams := make([]RowReceiver, len(spec.Streams))
	for i := range spec.Streams {
		var err error
		streams[i], err = f.setupOutboundStream(spec.Streams[i])
		if err != nil {
			return nil, err
		}
	}
	r, err := makeRouter(spec, streams)
	if err != nil {
		return nil, err
	}
	f.startables = append(f.startables, r)

	proc, err := newProcessor(&f.FlowCtx, &ps.Core, inputs, r)
	if err != nil {
		return nil, err
	}

	// Initialize the router with the processor's output schema (the outboxes
	// behind it need the types to encode rows).
	r.init(ctx, &f.FlowCtx, proc.OutputTypes())
	return proc, nil
}

// Setup sets up all the infrastructure for the flow as defined by the flow
// spec. The flow will then need to be started and run.
func (f *Flow) Setup(ctx context.Context, spec *distsqlpb.FlowSpec) error {
	f.spec = spec

	// First step: setup the input synchronizers for all processors.
	inputSyncs, err := f.setupInputSyncs(ctx)
	if err != nil {
		return err
	}

	// Then, populate processors.
	return f.setupProcessors(ctx, inputSyncs)
}

// startInternal starts the flow. All processors are started, each in their
// own goroutine. The caller must forward any returned error to
// syncFlowConsumer if set.
func (f *Flow) startInternal(ctx context.Context, doneFn func()) (context.Context, error) {
	f.doneFn = doneFn
	ctx = logtags.AddTag(ctx, "f", f.ID.String())
	ctx, f.ctxCancel = context.WithCancel(ctx)

	// Only register the flow if there will be inbound stream connections that
	// need to look up this flow in the flow registry.
	if len(f.inboundStreams) > 0 {
		// Once we call RegisterFlow, the inbound streams become accessible;
		// we must set up the WaitGroup counter before.
		// The counter will be further incremented below to account for the
		// processors.
		f.waitGroup.Add(len(f.inboundStreams))

		if err := f.flowRegistry.RegisterFlow(
			ctx, f.ID, f, f.inboundStreams, flowStreamDefaultTimeout,
		); err != nil {
			return ctx, err
		}
	}

	f.status = flowRunning

	if log.V(1) {
		log.Infof(ctx, "starting (%d processors, %d startables)",
			len(f.processors), len(f.startables))
	}

	for _, s := range f.startables {
		s.Start(ctx, &f.waitGroup, f.ctxCancel)
	}
	f.processorGroup = ctxgroup.WithContext(ctx)
	for _, p := range f.processors {
		p := p
		f.processorGroup.GoCtx(func(ctx context.Context) error {
			p.Run(ctx)
			return nil
		})
	}
	return ctx, nil
}

// Start starts the flow; all processors run in their own goroutines.
//
// Generally if errors are encountered during the setup part, they're returned.
// But if the flow is a synchronous one, then no error is returned; instead
// the setup error is pushed to the syncFlowConsumer.
func (f *Flow) Start(ctx context.Context, doneFn func()) error {
	if _, err := f.startInternal(ctx, doneFn); err != nil {
		// For sync flows, the error goes to the consumer.
		if f.syncFlowConsumer != nil {
			f.syncFlowConsumer.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err})
			f.syncFlowConsumer.ProducerDone()
			return nil
		}
		return err
	}
	return nil
}

// Wait waits for all the goroutines for this flow to exit. If the flow never
// started, there is nothing to wait for.
func (f *Flow) Wait() {
	if f.status != flowRunning {
		return
	}
	// The group's context is canceled when the flow is canceled; processor
	// errors travel to the consumer as metadata, so ignore the group error.
	_ = f.processorGroup.Wait()
	f.waitGroup.Wait()
}

// Run runs the flow to completion: it starts it and waits for it to finish.
func (f *Flow) Run(ctx context.Context, doneFn func()) error {
	if err := f.Start(ctx, doneFn); err != nil {
		return err
	}
	f.Wait()
	return nil
}

// Cancel cancels the flow's context, which asks all its components to shut
// down.
func (f *Flow) Cancel() {
	if f.ctxCancel != nil {
		f.ctxCancel()
	}
}

// Cleanup should be called when the flow completes (after all processors and
// mailboxes exited).
func (f *Flow) Cleanup(ctx context.Context) {
	if f.status == flowFinished {
		panic(errors.AssertionFailedf("flow cleanup called twice"))
	}
	if log.V(1) {
		log.Infof(ctx, "cleaning up")
	}
	// This closes the registry entry and the flow context.
	if f.status == flowRunning && len(f.inboundStreams) > 0 {
		f.flowRegistry.UnregisterFlow(f.ID)
	}
	f.status = flowFinished
	if f.ctxCancel != nil {
		f.ctxCancel()
	}
	if f.doneFn != nil {
		f.doneFn()
	}
	f.doneFn = nil
}
