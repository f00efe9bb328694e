// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsqlpb

import (
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

// ProducerMetadata represents a metadata record flowing through a processor
// chain, in its in-memory form. At most one of the fields is set.
type ProducerMetadata struct {
	// Ranges is a set of updated routing hints, piggybacked on the stream so
	// the gateway can refresh its caches.
	Ranges []RangeInfo

	// Err is a query execution error. Once a producer sends an error, rows
	// may still follow while the consumer drains, but the query has failed.
	Err error

	// TraceData is a set of spans recorded on a remote node, shipped home at
	// the end of a recording flow.
	TraceData []tracing.RecordedSpan

	// TxnMeta is updated transaction coordinator state.
	TxnMeta *TxnCoordMeta

	// RowNum is a row-count record used to verify stream completeness in
	// tests.
	RowNum *RemoteProducerMetadata_RowNum
}

// Empty returns true if none of the metadata fields is set.
func (meta *ProducerMetadata) Empty() bool {
	return meta.Err == nil && len(meta.Ranges) == 0 && len(meta.TraceData) == 0 &&
		meta.TxnMeta == nil && meta.RowNum == nil
}

// LocalMetaToRemoteProducerMeta converts a ProducerMetadata to its wire
// form.
func LocalMetaToRemoteProducerMeta(meta ProducerMetadata) RemoteProducerMetadata {
	var rpm RemoteProducerMetadata
	switch {
	case meta.Err != nil:
		rpm.Error = NewError(meta.Err)
	case len(meta.Ranges) > 0:
		rpm.RangeInfo = &RemoteProducerMetadata_RangeInfos{RangeInfo: meta.Ranges}
	case len(meta.TraceData) > 0:
		rpm.TraceData = &RemoteProducerMetadata_TraceData{CollectedSpans: meta.TraceData}
	case meta.TxnMeta != nil:
		rpm.TxnMeta = meta.TxnMeta
	case meta.RowNum != nil:
		rpm.RowNum = meta.RowNum
	}
	return rpm
}

// RemoteProducerMetaToLocalMeta converts a RemoteProducerMetadata to its
// in-memory form. Returns false if the record is of an unknown kind (e.g.
// produced by a newer version) and should be skipped.
func RemoteProducerMetaToLocalMeta(rpm RemoteProducerMetadata) (ProducerMetadata, bool) {
	var meta ProducerMetadata
	switch {
	case rpm.Error != nil:
		meta.Err = rpm.Error.ErrorDetail()
	case rpm.RangeInfo != nil:
		meta.Ranges = rpm.RangeInfo.RangeInfo
	case rpm.TraceData != nil:
		meta.TraceData = rpm.TraceData.CollectedSpans
	case rpm.TxnMeta != nil:
		meta.TxnMeta = rpm.TxnMeta
	case rpm.RowNum != nil:
		meta.RowNum = rpm.RowNum
	default:
		return ProducerMetadata{}, false
	}
	return meta, true
}
