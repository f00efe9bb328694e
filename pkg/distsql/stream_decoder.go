// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
)

// StreamDecoder converts a sequence of ProducerMessage to rows and metadata
// records.
//
// Sample usage:
//
//	sd := StreamDecoder{}
//	var row sqlbase.EncDatumRow
//	for each message in stream {
//	    err := sd.AddMessage(msg)
//	    if err != nil { ... }
//	    for {
//	        row, meta, err := sd.GetRow(row)
//	        if err != nil { ... }
//	        if row == nil && meta.Empty() {
//	            // No more rows in this message.
//	            break
//	        }
//	        // Use <row>
//	        ...
//	    }
//	}
//
// AddMessage can be called multiple times before getting the rows, but this
// will cause data to accumulate internally.
type StreamDecoder struct {
	typing []distsqlpb.DatumInfo
	data   []byte

	// numEmptyRows is the number of zero-column rows still to be returned
	// from the messages decoded so far.
	numEmptyRows int

	metadata []distsqlpb.ProducerMetadata

	headerReceived bool
	typingReceived bool
}

// AddMessage adds the data in a ProducerMessage to the decoder.
//
// The StreamDecoder may keep a reference to msg.Data.RawBytes until all the
// rows in the message are retrieved with GetRow.
//
// If an error is returned, no records have been buffered in the
// StreamDecoder.
func (sd *StreamDecoder) AddMessage(msg *distsqlpb.ProducerMessage) error {
	if msg.Header != nil {
		if sd.headerReceived {
			return errors.Errorf("received multiple headers")
		}
		sd.headerReceived = true
	} else if !sd.headerReceived {
		return errors.Errorf("first message in stream doesn't have header")
	}

	if msg.Typing != nil {
		if sd.typingReceived {
			return errors.Errorf("typing information changed mid-stream")
		}
		sd.typingReceived = true
		sd.typing = msg.Typing
	}

	if len(msg.Data.RawBytes) > 0 {
		if !sd.typingReceived {
			return errors.Errorf("received data before typing information")
		}
		if len(sd.data) == 0 {
			// We limit the capacity of the slice (using "three-index slices")
			// to the length. This ensures that future appends won't modify the
			// bytes from msg.Data.RawBytes, which belong to the caller.
			sd.data = msg.Data.RawBytes[:len(msg.Data.RawBytes):len(msg.Data.RawBytes)]
		} else {
			// This can only happen if we don't retrieve all the rows before
			// adding another message, which shouldn't be the normal case.
			sd.data = append(sd.data, msg.Data.RawBytes...)
		}
	}
	if msg.Data.NumEmptyRows > 0 {
		if len(msg.Data.RawBytes) > 0 {
			return errors.Errorf("received both data and empty rows")
		}
		sd.numEmptyRows += int(msg.Data.NumEmptyRows)
	}

	if len(msg.Data.Metadata) > 0 {
		for _, md := range msg.Data.Metadata {
			meta, ok := distsqlpb.RemoteProducerMetaToLocalMeta(md)
			if !ok {
				// Unknown metadata record, presumably produced by a newer
				// version. Skip it.
				continue
			}
			sd.metadata = append(sd.metadata, meta)
		}
	}
	return nil
}

// GetRow returns a row received in the stream. A row buffer can be provided
// optionally.
//
// Returns an empty row if there are no more rows received so far.
//
// A decoding error may be returned. Note that these are separate from
// error coming from the upstream (through ProducerMetadata.Err).
func (sd *StreamDecoder) GetRow(
	rowBuf sqlbase.EncDatumRow,
) (sqlbase.EncDatumRow, distsqlpb.ProducerMetadata, error) {
	if len(sd.metadata) != 0 {
		// If we have metadata, return it. We need to return metadata first
		// because metadata record ordering is significant (an error must
		// surface before any rows that were produced after it).
		meta := sd.metadata[0]
		sd.metadata = sd.metadata[1:]
		return nil, meta, nil
	}

	if sd.numEmptyRows > 0 {
		sd.numEmptyRows--
		row := make(sqlbase.EncDatumRow, 0) // zero-column row
		return row, distsqlpb.ProducerMetadata{}, nil
	}

	if len(sd.data) == 0 {
		return nil, distsqlpb.ProducerMetadata{}, nil
	}
	rowLen := len(sd.typing)
	if cap(rowBuf) >= rowLen {
		rowBuf = rowBuf[:rowLen]
	} else {
		rowBuf = make(sqlbase.EncDatumRow, rowLen)
	}
	for i := range rowBuf {
		var err error
		rowBuf[i], sd.data, err = sqlbase.EncDatumFromBuffer(
			sd.typing[i].Type, sd.typing[i].Encoding, sd.data,
		)
		if err != nil {
			// Reset sd because it is no longer usable.
			*sd = StreamDecoder{}
			return nil, distsqlpb.ProducerMetadata{}, err
		}
	}
	return rowBuf, distsqlpb.ProducerMetadata{}, nil
}

// Types returns the types of the columns of the rows that this decoder has
// received. It can only be used after the first message (which includes the
// typing information) has been added.
func (sd *StreamDecoder) Types() []sqlbase.ColumnType {
	types := make([]sqlbase.ColumnType, len(sd.typing))
	for i := range types {
		types[i] = sd.typing[i].Type
	}
	return types
}
