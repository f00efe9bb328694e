// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

// Package distsqlpb holds the wire-level descriptors that travel between
// nodes when a distributed flow is set up and while its streams run. The
// transport itself lives elsewhere; these types define what crosses it.
package distsqlpb

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/shakeelrao/distflow/pkg/base"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
)

// FlowID identifies a flow. It is most importantly used when setting up flows
// via a transport; since all flows of a query run under the same ID, the
// streams can find each other on the target node.
type FlowID struct {
	uuid.UUID
}

// IsUnset returns true if the FlowID is the zero value.
func (f FlowID) IsUnset() bool {
	return f.UUID == uuid.Nil
}

// StreamID identifies a stream; it may be local to a flow or it may cross
// node boundaries. The identifier is unique within the flow.
type StreamID int32

// String implements fmt.Stringer.
func (s StreamID) String() string {
	return fmt.Sprintf("%d", int32(s))
}

// StreamEndpointType describes where a stream endpoint lives relative to the
// flow it belongs to.
type StreamEndpointType int32

const (
	// StreamEndpointLocal connects two processors within the same flow on the
	// same node. Only the StreamID field is used.
	StreamEndpointLocal StreamEndpointType = iota
	// StreamEndpointRemote connects a processor to a processor in a flow on
	// another node. StreamID and TargetNodeID are used.
	StreamEndpointRemote
	// StreamEndpointSyncResponse is a special endpoint on the gateway: the
	// rows sent to it are the response to the query.
	StreamEndpointSyncResponse
)

// String implements fmt.Stringer.
func (t StreamEndpointType) String() string {
	switch t {
	case StreamEndpointLocal:
		return "LOCAL"
	case StreamEndpointRemote:
		return "REMOTE"
	case StreamEndpointSyncResponse:
		return "SYNC_RESPONSE"
	default:
		return fmt.Sprintf("StreamEndpointType(%d)", int32(t))
	}
}

// StreamEndpointSpec describes one of the endpoints (input or output) of a
// physical stream.
type StreamEndpointSpec struct {
	Type StreamEndpointType

	// StreamID is the ID of the stream; unique within the flow. Used with
	// LOCAL and REMOTE endpoints.
	StreamID StreamID

	// TargetNodeID is the node of the target flow; used with REMOTE
	// endpoints.
	TargetNodeID base.NodeID
}

// DatumInfo pairs a column type with the encoding its values use on a range
// router's span boundaries.
type DatumInfo struct {
	Encoding sqlbase.DatumEncoding
	Type     sqlbase.ColumnType
}

// OutputRouterType describes how an output router distributes rows over its
// streams.
type OutputRouterType int32

const (
	// OutputRouterPassThrough feeds rows to a single output stream without
	// buffering; it requires exactly one stream.
	OutputRouterPassThrough OutputRouterType = iota
	// OutputRouterMirror duplicates every row to all output streams.
	OutputRouterMirror
	// OutputRouterByHash routes each row to one stream, chosen by hashing a
	// configured set of columns.
	OutputRouterByHash
	// OutputRouterByRange routes each row to one stream, chosen by locating
	// the row's encoded key within a set of spans.
	OutputRouterByRange
)

// String implements fmt.Stringer.
func (t OutputRouterType) String() string {
	switch t {
	case OutputRouterPassThrough:
		return "PASS_THROUGH"
	case OutputRouterMirror:
		return "MIRROR"
	case OutputRouterByHash:
		return "BY_HASH"
	case OutputRouterByRange:
		return "BY_RANGE"
	default:
		return fmt.Sprintf("OutputRouterType(%d)", int32(t))
	}
}

// RangeRouterSpan matches the key range [Start, End) to a destination
// stream, identified by its index in the router's stream list.
type RangeRouterSpan struct {
	Start  []byte
	End    []byte
	Stream int32
}

// RangeRouterSpec configures a BY_RANGE router.
type RangeRouterSpec struct {
	// Spans is a slice of non-overlapping spans, sorted by start key.
	Spans []RangeRouterSpan

	// DefaultDest, if set, is the index of the stream to send rows that do
	// not match any span. If unset, such rows error the router.
	DefaultDest *int32

	// Encodings describes the columns, in order, whose encodings are
	// concatenated to form the key that is located within Spans.
	Encodings []RangeRouterColumnSpec
}

// RangeRouterColumnSpec names a column and the encoding to apply to it when
// building a range router key.
type RangeRouterColumnSpec struct {
	Column   uint32
	Encoding sqlbase.DatumEncoding
}

// OutputRouterSpec configures the output router of a processor.
type OutputRouterSpec struct {
	Type OutputRouterType

	// Streams lists the output streams, in order. Span and hash destinations
	// refer to indexes into this slice.
	Streams []StreamEndpointSpec

	// HashColumns is the set of columns hashed by a BY_HASH router.
	HashColumns []uint32

	// RangeRouterSpec is set for BY_RANGE routers.
	RangeRouterSpec RangeRouterSpec

	// DisableBuffering disables the bounded buffering between the router and
	// its consumers; the per-output queues then grow without limit. Used when
	// bounded buffering could deadlock mutually dependent consumers.
	DisableBuffering bool
}

// InputSyncType describes how an input synchronizer interleaves rows from
// its input streams.
type InputSyncType int32

const (
	// InputSyncUnordered forwards rows as they arrive.
	InputSyncUnordered InputSyncType = iota
	// InputSyncOrdered merges rows so that the output respects the configured
	// ordering, assuming each input is itself ordered.
	InputSyncOrdered
)

// String implements fmt.Stringer.
func (t InputSyncType) String() string {
	switch t {
	case InputSyncUnordered:
		return "UNORDERED"
	case InputSyncOrdered:
		return "ORDERED"
	default:
		return fmt.Sprintf("InputSyncType(%d)", int32(t))
	}
}

// OrderingColumn binds a column index to a sort direction.
type OrderingColumn struct {
	ColIdx    uint32
	Direction OrderingDirection
}

// OrderingDirection is the sort direction of an ordering column.
type OrderingDirection int32

const (
	// OrderingAscending sorts smallest first.
	OrderingAscending OrderingDirection = iota
	// OrderingDescending sorts largest first.
	OrderingDescending
)

// Ordering defines an order over a set of columns: by the first column, then
// ties by the second, and so on.
type Ordering struct {
	Columns []OrderingColumn
}

// InputSyncSpec configures the input synchronizer of a processor. A
// synchronizer combines rows from multiple streams into one input.
type InputSyncSpec struct {
	Type     InputSyncType
	Ordering Ordering
	Streams  []StreamEndpointSpec

	// ColumnTypes is the schema of the rows on all streams of this input.
	ColumnTypes []sqlbase.ColumnType
}

// ProcessorCoreUnion identifies the computation a processor runs. Exactly
// one field is set.
type ProcessorCoreUnion struct {
	Noop            *NoopCoreSpec
	Values          *ValuesCoreSpec
	RowCountSender  *RowCountSenderSpec
	RowCountChecker *RowCountCheckerSpec
}

// GetValue returns the set core, or nil.
func (p *ProcessorCoreUnion) GetValue() interface{} {
	if p.Noop != nil {
		return p.Noop
	}
	if p.Values != nil {
		return p.Values
	}
	if p.RowCountSender != nil {
		return p.RowCountSender
	}
	if p.RowCountChecker != nil {
		return p.RowCountChecker
	}
	return nil
}

// NoopCoreSpec is a processor core that passes rows through. Used to route
// and synchronize streams without computation.
type NoopCoreSpec struct{}

// ValuesCoreSpec is a processor core that emits a fixed set of rows, already
// encoded as raw value chunks. Each chunk carries whole rows.
type ValuesCoreSpec struct {
	Columns []DatumInfo

	// NumRows is the total number of rows; relevant when Columns is empty.
	NumRows uint64

	RawBytes [][]byte
}

// RowCountSenderSpec is a processor core that passes rows through and
// interleaves RowNum metadata so that the consuming end of the stream can
// verify that no records were dropped in transit.
type RowCountSenderSpec struct {
	// SenderID identifies this sender in the RowNum records it emits.
	SenderID string
}

// RowCountCheckerSpec is a processor core that consumes the RowNum metadata
// produced by row-count senders and verifies its completeness.
type RowCountCheckerSpec struct {
	// SenderIDs are the senders whose metadata is expected on the input.
	SenderIDs []string
}

// ProcessorSpec describes one processor in a flow: its inputs, core and
// outputs.
type ProcessorSpec struct {
	// Input is the set of input synchronizers; one per consumer slot of the
	// core.
	Input []InputSyncSpec

	Core ProcessorCoreUnion

	// Output is the set of output routers; cores in this package have one.
	Output []OutputRouterSpec
}

// FlowSpec describes a flow: a subgraph of a query's processors that runs on
// one node.
type FlowSpec struct {
	FlowID FlowID

	// Gateway is the node that planned this flow.
	Gateway base.NodeID

	Processors []ProcessorSpec
}
