// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"

	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/util/log"
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

// minFlowDrainWait is the minimum amount of time a draining server allows for
// any incoming flows to be registered.
const minFlowDrainWait = 1 * time.Second

// ServerConfig encompasses the configuration required to create a ServerImpl.
type ServerConfig struct {
	// NodeID is the ID of the node this server runs on.
	NodeID base.NodeID

	// Dialer establishes outgoing stream connections to other nodes.
	Dialer StreamDialer

	// Tracer records flow execution when requested by the gateway.
	Tracer *tracing.Tracer

	// NodeStatuses, if set, provides the last known status of remote nodes
	// for scheduling decisions. The server itself does not consult it.
	NodeStatuses NodeStatusReader

	Metrics DistSQLMetrics
}

// ServerImpl implements the server for the distributed flow protocol: it sets
// up and runs flows on behalf of remote gateways and connects inbound streams
// to the flows running locally.
type ServerImpl struct {
	ServerConfig
	flowRegistry *flowRegistry
}

// NewServer instantiates a server.
func NewServer(cfg ServerConfig) *ServerImpl {
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.NewTracer()
	}
	if cfg.Metrics == (DistSQLMetrics{}) {
		cfg.Metrics = MakeDistSQLMetrics()
	}
	return &ServerImpl{
		ServerConfig: cfg,
		flowRegistry: makeFlowRegistry(),
	}
}

// Drain changes the node's draining state: new flows are refused, and the
// call blocks until the running flows finish or flowDrainWait elapses,
// whichever comes first. It also waits at least minFlowDrainWait so that
// flows planned just before the drain have a chance to register.
func (ds *ServerImpl) Drain(ctx context.Context, flowDrainWait time.Duration) {
	ds.flowRegistry.Drain(flowDrainWait, minFlowDrainWait, nil /* onFlowDrainWait */)
}

// Undrain lets the node accept flows again.
func (ds *ServerImpl) Undrain(ctx context.Context) {
	ds.flowRegistry.Undrain()
}

// setupFlow creates a Flow from the request. If an error is returned, any
// resources have been released; otherwise the returned context must be used
// to run the flow, and the flow must be run or cleaned up.
func (ds *ServerImpl) setupFlow(
	ctx context.Context, req *distsqlpb.SetupFlowRequest, syncFlowConsumer RowReceiver,
) (context.Context, *Flow, error) {
	if req.Version < MinAcceptedVersion || req.Version > Version {
		err := errors.Errorf(
			"version mismatch in flow request: %d; this node accepts %d through %d",
			req.Version, MinAcceptedVersion, Version,
		)
		log.Warningf(ctx, "%s", err)
		return ctx, nil, err
	}

	sp := ds.Tracer.StartSpan("flow")
	if req.TraceRecording {
		tracing.StartRecording(sp)
	}
	ctx = tracing.ContextWithSpan(ctx, sp)

	flowCtx := FlowCtx{
		Cfg:    &ds.ServerConfig,
		ID:     req.Flow.FlowID,
		NodeID: ds.NodeID,
	}
	f := newFlow(flowCtx, ds.flowRegistry, syncFlowConsumer)
	if err := f.Setup(ctx, &req.Flow); err != nil {
		log.Errorf(ctx, "error setting up flow: %s", err)
		tracing.FinishSpan(sp)
		return ctx, nil, err
	}
	return ctx, f, nil
}

// SetupFlow sets up a flow as specified by the request and starts it
// asynchronously. Setup errors are returned inside the response, so that the
// transport only sees an error when the response itself could not be built.
func (ds *ServerImpl) SetupFlow(
	ctx context.Context, req *distsqlpb.SetupFlowRequest,
) (*distsqlpb.SimpleResponse, error) {
	ctx = logtags.AddTag(ctx, "n", ds.NodeID)
	ctx, f, err := ds.setupFlow(ctx, req, nil /* syncFlowConsumer */)
	if err != nil {
		return &distsqlpb.SimpleResponse{Error: distsqlpb.NewError(err)}, nil
	}

	ds.Metrics.FlowStart()
	sp := tracing.SpanFromContext(ctx)
	doneFn := func() {
		ds.Metrics.FlowStop()
		tracing.FinishSpan(sp)
	}
	if err := f.Start(ctx, doneFn); err != nil {
		f.Cleanup(ctx)
		return &distsqlpb.SimpleResponse{Error: distsqlpb.NewError(err)}, nil
	}
	go func() {
		f.Wait()
		f.Cleanup(ctx)
	}()
	return &distsqlpb.SimpleResponse{}, nil
}

// RunSyncFlow sets up a flow whose results go back to the caller over the
// given stream, runs it, and waits for it to finish. Unlike SetupFlow, errors
// encountered while the flow runs travel on the stream as metadata.
func (ds *ServerImpl) RunSyncFlow(
	ctx context.Context, req *distsqlpb.SetupFlowRequest, stream FlowStreamServer,
) error {
	ctx = logtags.AddTag(ctx, "n", ds.NodeID)
	mbox := NewOutboxSyncFlowStream(stream)
	ctx, f, err := ds.setupFlow(ctx, req, mbox)
	if err != nil {
		return err
	}
	mbox.SetFlowCtx(&f.FlowCtx)

	ds.Metrics.FlowStart()
	sp := tracing.SpanFromContext(ctx)
	doneFn := func() {
		ds.Metrics.FlowStop()
		tracing.FinishSpan(sp)
	}

	ctx, err = f.startInternal(ctx, doneFn)
	if err != nil {
		f.Cleanup(ctx)
		return err
	}
	mbox.Start(ctx, &f.waitGroup, f.ctxCancel)

	f.Wait()
	f.Cleanup(ctx)
	return mbox.Err()
}

// FlowStream is called by a producer on a remote node to deliver a stream of
// rows to a flow running on this node. The first message must carry a header
// identifying the (flow, stream) pair; it may also carry data.
func (ds *ServerImpl) FlowStream(ctx context.Context, stream InboundStreamConn) error {
	ctx = logtags.AddTag(ctx, "n", ds.NodeID)
	err := ds.flowStreamInt(ctx, stream)
	if err != nil {
		log.Errorf(ctx, "flow stream error: %s", err)
	}
	return err
}

func (ds *ServerImpl) flowStreamInt(ctx context.Context, stream InboundStreamConn) error {
	// Receive the first message. The header is part of it.
	msg, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return errors.New("empty stream")
		}
		return err
	}
	if msg.Header == nil {
		return errors.New("no header in first message")
	}
	flowID := msg.Header.FlowID
	streamID := msg.Header.StreamID
	if log.V(1) {
		log.Infof(ctx, "connecting inbound stream %s/%d", flowID, streamID)
	}
	f, receiver, cleanup, err := ds.flowRegistry.ConnectInboundStream(
		ctx, flowID, streamID, stream, flowStreamDefaultTimeout,
	)
	if err != nil {
		return err
	}
	defer cleanup()
	ds.Metrics.StreamStart()
	defer ds.Metrics.StreamStop()
	log.VEventf(ctx, 1, "connected inbound stream %s/%d", f.ID, streamID)
	return ProcessInboundStream(ctx, stream, msg, receiver, f.ID)
}
