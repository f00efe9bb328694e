// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsqlpb

import (
	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

// ProducerHeader is a message that is sent once at the beginning of a
// stream.
type ProducerHeader struct {
	FlowID   FlowID
	StreamID StreamID
}

// ProducerData is a message that can be sent multiple times as part of a
// stream from a producer to a consumer.
type ProducerData struct {
	// RawBytes is a bunch of rows serialized using the stream's typing
	// information. Each datum is encoded according to the corresponding
	// DatumInfo.
	RawBytes []byte

	// NumEmptyRows is the number of zero-column rows in this message. Used
	// only when a stream carries rows with no columns, in which case RawBytes
	// cannot represent them.
	NumEmptyRows int32

	// Metadata carries records that are interleaved with the rows, in order.
	Metadata []RemoteProducerMetadata
}

// ProducerMessage is a message sent from a producer to a consumer. The first
// message carries the header; a message with typing information precedes any
// data; after that, messages carry data and metadata only.
type ProducerMessage struct {
	// Header is present in the first message.
	Header *ProducerHeader

	// Typing describes the columns of the rows in the stream. It is set, at
	// most once, on the first message that precedes any row data. Rows before
	// the typing information are disallowed; metadata is not.
	Typing []DatumInfo

	Data ProducerData
}

// RemoteProducerMetadata is a metadata record in its wire form. Exactly one
// field is set.
type RemoteProducerMetadata struct {
	RangeInfo *RemoteProducerMetadata_RangeInfos
	Error     *Error
	TraceData *RemoteProducerMetadata_TraceData
	TxnMeta   *TxnCoordMeta
	RowNum    *RemoteProducerMetadata_RowNum
}

// RemoteProducerMetadata_RangeInfos carries updated range routing hints
// observed by a producer while reading.
type RemoteProducerMetadata_RangeInfos struct {
	RangeInfo []RangeInfo
}

// RangeInfo describes a key range and the node currently responsible for it.
type RangeInfo struct {
	Start  []byte
	End    []byte
	NodeID base.NodeID
}

// RemoteProducerMetadata_TraceData carries recorded trace spans collected on
// a remote node.
type RemoteProducerMetadata_TraceData struct {
	CollectedSpans []tracing.RecordedSpan
}

// RemoteProducerMetadata_RowNum is used to count the rows sent from a node
// so that the consumer can verify that it received all of them.
type RemoteProducerMetadata_RowNum struct {
	// SenderID identifies the sender of this record.
	SenderID string

	// RowNum is the count of rows sent from this sender so far.
	RowNum int32

	// LastMsg is set on the final record from this sender.
	LastMsg bool
}

// TxnCoordMeta carries transaction coordinator state refreshed by reads
// performed under the flow's transaction. The payload is opaque at this
// layer; the transaction layer on the gateway interprets it.
type TxnCoordMeta struct {
	TxnID   FlowID
	Payload []byte
}

// Error is the wire representation of an error.
type Error struct {
	Message string
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// ErrorDetail returns the Go error carried by this message.
func (e *Error) ErrorDetail() error {
	if e == nil {
		return nil
	}
	return &streamError{msg: e.Message}
}

// NewError constructs the wire representation of err.
func NewError(err error) *Error {
	return &Error{Message: err.Error()}
}

type streamError struct {
	msg string
}

func (e *streamError) Error() string { return e.msg }
