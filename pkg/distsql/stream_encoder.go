// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/log"
)

// PreferredEncoding is the encoding used for EncDatums that don't already
// have an encoding available.
const PreferredEncoding = sqlbase.AscendingKeyEncoding

// StreamEncoder converts EncDatum rows into a sequence of ProducerMessage.
//
// Sample usage:
//
//	se := StreamEncoder{}
//
//	for {
//	    for ... {
//	       err := se.AddRow(...)
//	       ...
//	    }
//	    msg := se.FormMessage(ctx)
//	    // Send out message.
//	    ...
//	}
type StreamEncoder struct {
	// infos is initialized when the first row is received.
	infos []distsqlpb.DatumInfo

	rowBuf []byte

	// numEmptyRows is the number of zero-column rows accumulated since the
	// last message; such rows have no encoding in rowBuf.
	numEmptyRows int

	// metadata accumulates records until the next FormMessage call.
	metadata []distsqlpb.RemoteProducerMetadata

	// headerSent is set after the first message (which contains the header)
	// has been sent.
	headerSent bool
	// typingSent is set after the first message that contains any rows has
	// been sent.
	typingSent bool
	alloc      sqlbase.DatumAlloc

	// Preallocated structures to avoid allocations.
	msg    distsqlpb.ProducerMessage
	msgHdr distsqlpb.ProducerHeader
}

// SetHeaderFields sets the header fields that are sent on the first message
// of the stream.
func (se *StreamEncoder) SetHeaderFields(flowID distsqlpb.FlowID, streamID distsqlpb.StreamID) {
	se.msgHdr.FlowID = flowID
	se.msgHdr.StreamID = streamID
}

// AddMetadata encodes a metadata message. Unlike AddRow(), it cannot fail.
// This is important for the caller because a failure to encode a piece of
// metadata (particularly one that contains an error) would not be recoverable.
//
// Metadata records lose their ordering wrt the data rows. The convention is
// that the StreamDecoder will return them first, before the data rows, thus
// ensuring that rows produced _after_ an error are not received _before_ the
// error.
func (se *StreamEncoder) AddMetadata(meta distsqlpb.ProducerMetadata) {
	se.metadata = append(se.metadata, distsqlpb.LocalMetaToRemoteProducerMeta(meta))
}

// AddRow encodes a message.
func (se *StreamEncoder) AddRow(row sqlbase.EncDatumRow) error {
	if se.infos == nil && len(row) > 0 {
		// First row. Initialize encodings.
		se.infos = make([]distsqlpb.DatumInfo, len(row))
		for i := range row {
			enc, ok := row[i].Encoding()
			if !ok {
				enc = PreferredEncoding
			}
			se.infos[i].Encoding = enc
			se.infos[i].Type = row[i].Type
		}
	}
	if len(se.infos) != len(row) {
		return errors.Errorf("inconsistent row length: had %d, now %d", len(se.infos), len(row))
	}
	if len(row) == 0 {
		se.numEmptyRows++
		return nil
	}
	for i := range row {
		var err error
		se.rowBuf, err = row[i].Encode(&se.alloc, se.infos[i].Encoding, se.rowBuf)
		if err != nil {
			return err
		}
	}
	return nil
}

// FormMessage populates a message containing the rows added since the last
// call to FormMessage. The returned ProducerMessage should be treated as
// immutable.
func (se *StreamEncoder) FormMessage(ctx context.Context) *distsqlpb.ProducerMessage {
	msg := &se.msg
	msg.Header = nil
	msg.Data.RawBytes = se.rowBuf
	msg.Data.NumEmptyRows = int32(se.numEmptyRows)
	msg.Data.Metadata = make([]distsqlpb.RemoteProducerMetadata, len(se.metadata))
	copy(msg.Data.Metadata, se.metadata)
	se.metadata = se.metadata[:0]

	if !se.headerSent {
		msg.Header = &se.msgHdr
		se.headerSent = true
	}
	if !se.typingSent {
		if se.infos != nil {
			msg.Typing = se.infos
			se.typingSent = true
		}
	} else {
		msg.Typing = nil
	}
	if log.V(3) {
		log.Infof(ctx, "forming message len %d, %d empty rows, %d metadata records",
			len(msg.Data.RawBytes), msg.Data.NumEmptyRows, len(msg.Data.Metadata))
	}
	// Reset the row buffer for the next message. The caller is expected to
	// send the message synchronously, before the next call to AddRow or
	// FormMessage.
	se.rowBuf = se.rowBuf[:0]
	se.numEmptyRows = 0
	return msg
}
