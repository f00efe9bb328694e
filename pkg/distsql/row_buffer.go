// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/syncutil"
)

// BufferedRecord is a row or metadata record buffered by a RowBuffer.
type BufferedRecord struct {
	Row  sqlbase.EncDatumRow
	Meta *distsqlpb.ProducerMetadata
}

// RowBuffer is an implementation of RowReceiver that buffers (accumulates)
// results in memory, as well as an implementation of RowSource that returns
// rows from a row buffer. Just for tests.
type RowBuffer struct {
	Mu struct {
		syncutil.Mutex

		// Records represent the data that has been buffered. Push appends a
		// record to the back, Next removes a record from the front.
		Records []BufferedRecord
	}

	// ProducerClosed is used when the RowBuffer is used as a RowReceiver; it
	// is set to true when the sender calls ProducerDone().
	ProducerClosed bool

	// Done is used when the RowBuffer is used as a RowSource; it is set to
	// true when the receiver read all the rows.
	Done bool

	ConsumerStatus ConsumerStatus

	// Schema of the rows in this buffer.
	types []sqlbase.ColumnType

	args RowBufferArgs
}

var _ RowReceiver = &RowBuffer{}
var _ RowSource = &RowBuffer{}

// RowBufferArgs contains testing-oriented parameters for a RowBuffer.
type RowBufferArgs struct {
	// If not set, then the RowBuffer will behave like a RowChannel and not
	// accumulate rows after it's been put in draining mode. If set, rows
	// will still be accumulated. Useful for tests that want to observe what
	// rows have been pushed after draining.
	AccumulateRowsWhileDraining bool
	// OnConsumerDone, if specified, is called as the first thing in the
	// ConsumerDone() method.
	OnConsumerDone func(*RowBuffer)
	// OnConsumerClosed, if specified, is called as the first thing in the
	// ConsumerClosed() method.
	OnConsumerClosed func(*RowBuffer)
	// OnNext, if specified, is called as the first thing in the Next() method.
	// If it returns an empty row and metadata, then RowBuffer.Next() is
	// allowed to run normally. Otherwise, the values are returned from
	// RowBuffer.Next().
	OnNext func(*RowBuffer) (sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata)
	// OnPush, if specified, is called as the first thing in the Push() method.
	OnPush func(sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata)
}

// NewRowBuffer creates a RowBuffer with the given schema and initial rows.
func NewRowBuffer(
	types []sqlbase.ColumnType, rows sqlbase.EncDatumRows, hooks RowBufferArgs,
) *RowBuffer {
	if types == nil {
		panic(errors.AssertionFailedf("types required"))
	}
	wrappedRows := make([]BufferedRecord, len(rows))
	for i, row := range rows {
		wrappedRows[i].Row = row
	}
	rb := &RowBuffer{types: types, args: hooks}
	rb.Mu.Records = wrappedRows
	return rb
}

// Push is part of the RowReceiver interface.
func (rb *RowBuffer) Push(
	row sqlbase.EncDatumRow, meta *distsqlpb.ProducerMetadata,
) ConsumerStatus {
	if rb.ProducerClosed {
		panic(errors.AssertionFailedf("Push called after ProducerDone"))
	}
	if rb.args.OnPush != nil {
		rb.args.OnPush(row, meta)
	}
	// We mimic the behavior of RowChannel.
	storeRow := func() {
		rowCopy := row.Copy()
		rb.Mu.Lock()
		rb.Mu.Records = append(rb.Mu.Records, BufferedRecord{Row: rowCopy, Meta: meta})
		rb.Mu.Unlock()
	}
	status := ConsumerStatus(atomic.LoadUint32((*uint32)(&rb.ConsumerStatus)))
	if rb.args.AccumulateRowsWhileDraining {
		storeRow()
	} else {
		switch status {
		case NeedMoreRows:
			storeRow()
		case DrainRequested:
			if meta != nil {
				storeRow()
			}
		case ConsumerClosed:
		}
	}
	return status
}

// ProducerDone is part of the RowReceiver interface.
func (rb *RowBuffer) ProducerDone() {
	if rb.ProducerClosed {
		panic(errors.AssertionFailedf("RowBuffer already closed"))
	}
	rb.ProducerClosed = true
}

// OutputTypes is part of the RowSource interface.
func (rb *RowBuffer) OutputTypes() []sqlbase.ColumnType {
	if rb.types == nil {
		panic(errors.AssertionFailedf("not initialized with types"))
	}
	return rb.types
}

// Next is part of the RowSource interface.
//
// There's no synchronization here with Push(). The assumption is that these
// two methods are not called concurrently.
func (rb *RowBuffer) Next() (sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata) {
	if rb.args.OnNext != nil {
		row, meta := rb.args.OnNext(rb)
		if row != nil || meta != nil {
			return row, meta
		}
	}
	if len(rb.Mu.Records) == 0 {
		rb.Done = true
		return nil, nil
	}
	rec := rb.Mu.Records[0]
	rb.Mu.Records = rb.Mu.Records[1:]
	return rec.Row, rec.Meta
}

// ConsumerDone is part of the RowSource interface.
func (rb *RowBuffer) ConsumerDone() {
	if ConsumerStatus(atomic.LoadUint32((*uint32)(&rb.ConsumerStatus))) == NeedMoreRows {
		atomic.StoreUint32((*uint32)(&rb.ConsumerStatus), uint32(DrainRequested))
		if rb.args.OnConsumerDone != nil {
			rb.args.OnConsumerDone(rb)
		}
	}
}

// ConsumerClosed is part of the RowSource interface.
func (rb *RowBuffer) ConsumerClosed() {
	status := ConsumerStatus(atomic.LoadUint32((*uint32)(&rb.ConsumerStatus)))
	if status == ConsumerClosed {
		panic(errors.AssertionFailedf("RowBuffer already closed"))
	}
	atomic.StoreUint32((*uint32)(&rb.ConsumerStatus), uint32(ConsumerClosed))
	if rb.args.OnConsumerClosed != nil {
		rb.args.OnConsumerClosed(rb)
	}
}

// GetRowsNoMeta returns the rows in the buffer; the buffer must not contain
// any metadata.
func (rb *RowBuffer) GetRowsNoMeta(t testing.TB) sqlbase.EncDatumRows {
	var rows sqlbase.EncDatumRows
	for {
		row, meta := rb.Next()
		if meta != nil {
			t.Fatalf("unexpected metadata: %v", meta)
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}
	return rows
}
