// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsqlpb

// DistSQLVersion identifies the version of the flow wire protocol and
// execution semantics spoken by a node. It is bumped whenever a change makes
// running a flow planned by a different version unsafe.
type DistSQLVersion uint32

// SetupFlowRequest asks a node to set up (and usually run) a flow.
type SetupFlowRequest struct {
	// Version of the protocol this request was planned with. The recipient
	// refuses the flow unless it accepts this version.
	Version DistSQLVersion

	Flow FlowSpec

	// TraceRecording requests that the flow record its trace spans and ship
	// them back as metadata when it finishes.
	TraceRecording bool

	// TxnMeta carries the transaction the flow runs under, opaque at this
	// layer.
	TxnMeta *TxnCoordMeta
}

// SimpleResponse is the response to a flow setup request.
type SimpleResponse struct {
	Error *Error
}

// ConsumerSignal is a message sent from a stream consumer back to its
// producer. At most one field is set.
type ConsumerSignal struct {
	// DrainRequest asks the producer to stop sending rows and conclude with
	// its trailing metadata.
	DrainRequest *DrainRequest

	// Handshake is sent by the consumer when the stream is established and
	// periodically while it waits, so the producer can tell a slow consumer
	// from a missing one.
	Handshake *ConsumerHandshake
}

// DrainRequest carries no fields; its presence is the signal.
type DrainRequest struct{}

// ConsumerHandshake is sent by the flow consumer to the producer when a
// stream is connected or while the consumer waits for the flow to be
// scheduled.
type ConsumerHandshake struct {
	// ConsumerScheduled is true if the flow on the consumer side is fully
	// set up and reading.
	ConsumerScheduled bool

	// Version and MinAcceptedVersion advertise the consumer's protocol
	// window, for debugging version mismatches.
	Version            DistSQLVersion
	MinAcceptedVersion DistSQLVersion
}
