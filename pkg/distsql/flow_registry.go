// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/util/log"
	"github.com/shakeelrao/distflow/pkg/util/syncutil"
)

// flowStreamDefaultTimeout is the amount of time incoming streams wait for a
// flow to be set up before erroring out, and the amount of time a flow waits
// for its inbound streams to connect.
const flowStreamDefaultTimeout = 10 * time.Second

// FlowNotRegisteredError is returned when connecting to a flow that isn't
// running on this node, either because the query died or because the setup
// request never arrived.
type FlowNotRegisteredError struct {
	FlowID distsqlpb.FlowID
}

// Error implements the error interface.
func (e *FlowNotRegisteredError) Error() string {
	return "flow " + e.FlowID.String() + " not found"
}

// InboundStreamInfo represents the endpoint where a data stream from another
// node connects to a flow. The external node initiates this process through a
// FlowStream call (which uses ConnectInboundStream), whereas the receiving
// node opens up this endpoint when it creates the flow.
type InboundStreamInfo struct {
	// receiver is the entity that the stream connects to; the rows in the
	// stream are ultimately pushed to it.
	receiver RowReceiver

	// connected is set once a FlowStream call connects to this endpoint.
	connected bool
	// finished is set if we have signaled that the stream is done
	// transferring rows (to the flow's wait group).
	finished bool
	// canceled is set when the stream timed out waiting for a connection.
	canceled bool

	// waitGroup to signal on when finished.
	waitGroup *sync.WaitGroup
}

// NewInboundStreamInfo returns a new InboundStreamInfo.
func NewInboundStreamInfo(receiver RowReceiver, waitGroup *sync.WaitGroup) *InboundStreamInfo {
	return &InboundStreamInfo{
		receiver:  receiver,
		waitGroup: waitGroup,
	}
}

// flowEntry is a structure associated with a (potential) flow.
type flowEntry struct {
	// waitCh is set if one or more clients are waiting for the flow; the
	// channel gets closed when the flow is registered.
	waitCh chan struct{}

	// refCount is used to allow multiple clients to wait for a flow - if the
	// flow never shows up, the refCount is used to decide which client cleans
	// up the entry.
	refCount int

	flow *Flow

	// inboundStreams are the streams that receive data from other nodes, by
	// stream ID. This map is set in RegisterFlow and is not modified
	// afterwards (the InboundStreamInfos are, under the registry's mutex).
	inboundStreams map[distsqlpb.StreamID]*InboundStreamInfo

	// streamTimer fires when the flow has been registered for too long
	// without all its inbound streams connecting; the pending streams are
	// then canceled.
	streamTimer *time.Timer
}

// flowRegistry allows clients to look up flows by ID and to wait for flows to
// be registered. Multiple clients can wait concurrently for the same flow.
type flowRegistry struct {
	syncutil.Mutex

	// All fields in the flowEntry's are protected by the flowRegistry mutex,
	// except flow, whose methods can be called freely.
	flows map[distsqlpb.FlowID]*flowEntry

	// draining is set when the registry refuses new flows while the node
	// prepares to shut down.
	draining bool

	// flowDone is signaled whenever a flow is unregistered.
	flowDone *sync.Cond
}

func makeFlowRegistry() *flowRegistry {
	fr := &flowRegistry{
		flows: make(map[distsqlpb.FlowID]*flowEntry),
	}
	fr.flowDone = sync.NewCond(fr)
	return fr
}

// getEntryLocked returns the flowEntry associated with the id. If the entry
// doesn't exist, one is created and inserted into the map.
// It should only be called while holding the mutex.
func (fr *flowRegistry) getEntryLocked(id distsqlpb.FlowID) *flowEntry {
	entry, ok := fr.flows[id]
	if !ok {
		entry = &flowEntry{}
		fr.flows[id] = entry
	}
	return entry
}

// releaseEntryLocked decreases the refCount in the entry for the given id,
// and cleans up the entry if the refCount reaches 0.
// It should only be called while holding the mutex.
func (fr *flowRegistry) releaseEntryLocked(id distsqlpb.FlowID) {
	entry := fr.flows[id]
	if entry.refCount > 1 {
		entry.refCount--
	} else {
		if entry.refCount != 1 {
			panic(errors.AssertionFailedf("invalid refCount: %d", entry.refCount))
		}
		delete(fr.flows, id)
	}
}

// RegisterFlow makes a flow accessible to ConnectInboundStream. Any concurrent
// ConnectInboundStream calls that are waiting for this flow are woken up.
//
// It is expected that UnregisterFlow will be called at some point to remove
// the flow from the registry.
//
// inboundStreams are all the remote streams that will be connecting to this
// flow. If the flow is still running at timeout, any unconnected streams are
// canceled.
func (fr *flowRegistry) RegisterFlow(
	ctx context.Context,
	id distsqlpb.FlowID,
	f *Flow,
	inboundStreams map[distsqlpb.StreamID]*InboundStreamInfo,
	timeout time.Duration,
) error {
	fr.Lock()
	defer fr.Unlock()

	if fr.draining {
		return errors.Errorf("rejecting flow %s: node is draining", id)
	}

	entry := fr.getEntryLocked(id)
	if entry.flow != nil {
		return errors.Errorf("flow already registered: %s", id)
	}
	// Take a reference that will be removed by UnregisterFlow.
	entry.refCount++
	entry.flow = f
	entry.inboundStreams = inboundStreams
	// If there are any waiters, wake them up by closing waitCh.
	if entry.waitCh != nil {
		close(entry.waitCh)
	}

	if len(inboundStreams) > 0 {
		// Set up a function to time out inbound streams after a while.
		entry.streamTimer = time.AfterFunc(timeout, func() {
			fr.Lock()
			// We're giving up waiting for these inbound streams. We will push
			// an error to its consumer after fr.Unlock; the error will
			// propagate and eventually drain all the processors.
			numTimedOut := 0
			timedOutReceivers := make([]RowReceiver, 0, len(entry.inboundStreams))
			for streamID, is := range entry.inboundStreams {
				if !is.connected && !is.canceled {
					is.canceled = true
					numTimedOut++
					timedOutReceivers = append(timedOutReceivers, is.receiver)
					fr.finishInboundStreamLocked(id, streamID)
				}
			}
			fr.Unlock()
			if numTimedOut > 0 {
				log.Errorf(
					ctx,
					"flow %s: %d inbound streams timed out after %s; propagated error throughout flow",
					id, numTimedOut, timeout,
				)
			}
			for _, r := range timedOutReceivers {
				r.Push(nil /* row */, &distsqlpb.ProducerMetadata{
					Err: errors.Errorf("no inbound stream connection"),
				})
				r.ProducerDone()
			}
		})
	}
	return nil
}

// UnregisterFlow removes a flow from the registry. Any subsequent
// ConnectInboundStream calls for the flow will fail to find it and time out.
func (fr *flowRegistry) UnregisterFlow(id distsqlpb.FlowID) {
	fr.Lock()
	entry := fr.flows[id]
	if entry.streamTimer != nil {
		entry.streamTimer.Stop()
		entry.streamTimer = nil
	}
	fr.releaseEntryLocked(id)
	fr.flowDone.Signal()
	fr.Unlock()
}

// waitForFlowLocked waits until the flow with the given id gets registered -
// up to the given timeout - and returns the flowEntry. If the timeout
// elapses, returns nil. It should only be called while holding the mutex.
// The mutex is temporarily unlocked if we need to wait.
func (fr *flowRegistry) waitForFlowLocked(
	ctx context.Context, id distsqlpb.FlowID, timeout time.Duration,
) *flowEntry {
	entry := fr.getEntryLocked(id)
	if entry.flow != nil {
		return entry
	}

	// Flow not registered (at least not yet).

	// Set up a channel that gets closed when the flow shows up, or when the
	// timeout elapses. The channel might have been created already if there
	// are other waiters for the same id.
	waitCh := entry.waitCh
	if waitCh == nil {
		waitCh = make(chan struct{})
		entry.waitCh = waitCh
	}
	entry.refCount++
	fr.Unlock()

	select {
	case <-waitCh:
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	fr.Lock()

	fr.releaseEntryLocked(id)
	if entry.flow == nil {
		return nil
	}
	return entry
}

// Drain waits at most flowDrainWait for currently running flows to finish
// and at least minFlowDrainWait for any incoming flows to be registered. New
// flows are refused for the duration of the drain and afterwards.
//
// The onFlowDrainWait callback, if set, is called when Drain starts waiting
// on running flows; used in tests.
func (fr *flowRegistry) Drain(
	flowDrainWait time.Duration, minFlowDrainWait time.Duration, onFlowDrainWait func(),
) {
	allFlowsDone := make(chan struct{}, 1)
	start := time.Now()
	stopWaiting := false

	defer func() {
		// At this stage, we have either hit the flowDrainWait timeout or all
		// currently running flows are done. We do not expect new flows to be
		// registered but can drain them as well if they do.
		fr.Lock()
		fr.draining = true
		fr.Unlock()
	}()

	fr.Lock()
	fr.draining = true
	if len(fr.flows) > 0 {
		fr.Unlock()
		if onFlowDrainWait != nil {
			onFlowDrainWait()
		}
		time.Sleep(minFlowDrainWait)
		fr.Lock()
		// Check if the number of flows changed. If it has, we delay draining
		// to give the recently registered flows a chance to run.
		stopWaiting = len(fr.flows) == 0
	}

	go func() {
		select {
		case <-time.After(flowDrainWait):
		case <-allFlowsDone:
		}
		fr.Lock()
		stopWaiting = true
		fr.flowDone.Signal()
		fr.Unlock()
	}()

	for !(stopWaiting || len(fr.flows) == 0) {
		fr.flowDone.Wait()
	}
	fr.Unlock()

	// Signal the timeout goroutine to exit.
	allFlowsDone <- struct{}{}
	log.Infof(context.TODO(), "flow registry drained in %s", time.Since(start))
}

// Undrain causes the registry to start accepting flows again.
func (fr *flowRegistry) Undrain() {
	fr.Lock()
	fr.draining = false
	fr.Unlock()
}

// ConnectInboundStream finds the InboundStreamInfo for the given (flowID,
// streamID) pair and marks it as connected. It waits up to timeout for the
// flow to be registered with the registry. It returns the flow (whose context
// should be used for this stream), the receiver that the stream must push
// data to and a cleanup function that must be called to unregister the flow
// from the registry after all the data has been pushed.
//
// The cleanup function will decrement the flow's WaitGroup, so that Flow.Wait
// is not blocked on this stream any more.
func (fr *flowRegistry) ConnectInboundStream(
	ctx context.Context,
	flowID distsqlpb.FlowID,
	streamID distsqlpb.StreamID,
	stream InboundStreamConn,
	timeout time.Duration,
) (_ *Flow, _ RowReceiver, _ func(), retErr error) {
	fr.Lock()
	defer fr.Unlock()

	entry := fr.waitForFlowLocked(ctx, flowID, timeout)
	if entry == nil {
		return nil, nil, nil, &FlowNotRegisteredError{FlowID: flowID}
	}

	s, ok := entry.inboundStreams[streamID]
	if !ok {
		return nil, nil, nil, errors.Errorf("flow %s: no inbound stream %d", flowID, streamID)
	}
	if s.connected {
		return nil, nil, nil, errors.Errorf("flow %s: inbound stream %d already connected", flowID, streamID)
	}
	if s.canceled {
		return nil, nil, nil, errors.Errorf("flow %s: inbound stream %d came too late", flowID, streamID)
	}

	// We now mark the stream as connected but, if the handshake below fails,
	// we must undo the marking so a retry of the FlowStream call can still
	// connect.
	s.connected = true
	defer func() {
		if retErr != nil {
			s.connected = false
		}
	}()

	// Send the handshake, informing the producer that the consumer flow is
	// scheduled and reading.
	if err := stream.Send(&distsqlpb.ConsumerSignal{
		Handshake: &distsqlpb.ConsumerHandshake{
			ConsumerScheduled:  true,
			Version:            Version,
			MinAcceptedVersion: MinAcceptedVersion,
		},
	}); err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		fr.Lock()
		fr.finishInboundStreamLocked(flowID, streamID)
		fr.Unlock()
	}
	return entry.flow, s.receiver, cleanup, nil
}

func (fr *flowRegistry) finishInboundStreamLocked(
	fid distsqlpb.FlowID, sid distsqlpb.StreamID,
) {
	flowEntry := fr.getEntryLocked(fid)
	streamEntry := flowEntry.inboundStreams[sid]

	if !streamEntry.connected && !streamEntry.canceled {
		panic(errors.AssertionFailedf("finishing inbound stream that didn't connect or time out"))
	}
	if streamEntry.finished {
		panic(errors.AssertionFailedf("double finish of inbound stream"))
	}

	streamEntry.finished = true
	streamEntry.waitGroup.Done()
}
