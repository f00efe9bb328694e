// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package distsql

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
	"github.com/shakeelrao/distflow/pkg/util/log"
	"github.com/shakeelrao/distflow/pkg/util/tracing"
)

// newProcessor creates a processor for the given core.
func newProcessor(
	flowCtx *FlowCtx, core *distsqlpb.ProcessorCoreUnion, inputs []RowSource, output RowReceiver,
) (Processor, error) {
	if core.Noop != nil {
		if err := checkNumInOut(inputs, 1); err != nil {
			return nil, err
		}
		return newNoopProcessor(flowCtx, inputs[0], output), nil
	}
	if core.Values != nil {
		if err := checkNumInOut(inputs, 0); err != nil {
			return nil, err
		}
		return newValuesProcessor(flowCtx, core.Values, output)
	}
	if core.RowCountSender != nil {
		if err := checkNumInOut(inputs, 1); err != nil {
			return nil, err
		}
		return newRowCountSender(flowCtx, core.RowCountSender.SenderID, inputs[0], output), nil
	}
	if core.RowCountChecker != nil {
		if err := checkNumInOut(inputs, 1); err != nil {
			return nil, err
		}
		return newRowCountChecker(inputs[0], output, core.RowCountChecker.SenderIDs), nil
	}
	return nil, errors.Errorf("unsupported processor core %v", core)
}

func checkNumInOut(inputs []RowSource, numIn int) error {
	if len(inputs) != numIn {
		return errors.Errorf("expected %d input(s), got %d", numIn, len(inputs))
	}
	return nil
}

// noopProcessor is a processor that simply passes rows through from the
// synchronizer to the router. It can be useful in the last stage of a
// computation, where we may only need the synchronizer to join streams.
type noopProcessor struct {
	flowCtx *FlowCtx
	input   RowSource
	output  RowReceiver
}

var _ Processor = &noopProcessor{}

func newNoopProcessor(flowCtx *FlowCtx, input RowSource, output RowReceiver) *noopProcessor {
	return &noopProcessor{flowCtx: flowCtx, input: input, output: output}
}

// OutputTypes is part of the Processor interface.
func (n *noopProcessor) OutputTypes() []sqlbase.ColumnType {
	return n.input.OutputTypes()
}

// Run is part of the Processor interface.
func (n *noopProcessor) Run(ctx context.Context) {
	ctx, span := tracing.ChildSpan(ctx, "noop")
	defer tracing.FinishSpan(span)

	for {
		row, meta := n.input.Next()
		if row == nil && meta == nil {
			SendTraceData(ctx, n.output)
			n.output.ProducerDone()
			return
		}
		if log.V(3) && row != nil {
			log.Infof(ctx, "noop: pushing row %s", row)
		}
		switch n.output.Push(row, meta) {
		case NeedMoreRows:
		case DrainRequested:
			DrainAndForwardMetadata(ctx, n.input, n.output)
			n.output.ProducerDone()
			return
		case ConsumerClosed:
			n.input.ConsumerClosed()
			n.output.ProducerDone()
			return
		}
	}
}

// valuesProcessor is a processor that emits a predetermined set of rows,
// stored in the spec as encoded raw chunks.
type valuesProcessor struct {
	flowCtx *FlowCtx
	columns []distsqlpb.DatumInfo
	numRows uint64
	data    [][]byte
	output  RowReceiver
}

var _ Processor = &valuesProcessor{}

func newValuesProcessor(
	flowCtx *FlowCtx, spec *distsqlpb.ValuesCoreSpec, output RowReceiver,
) (*valuesProcessor, error) {
	return &valuesProcessor{
		flowCtx: flowCtx,
		columns: spec.Columns,
		numRows: spec.NumRows,
		data:    spec.RawBytes,
		output:  output,
	}, nil
}

// OutputTypes is part of the Processor interface.
func (v *valuesProcessor) OutputTypes() []sqlbase.ColumnType {
	types := make([]sqlbase.ColumnType, len(v.columns))
	for i := range v.columns {
		types[i] = v.columns[i].Type
	}
	return types
}

// Run is part of the Processor interface.
func (v *valuesProcessor) Run(ctx context.Context) {
	ctx, span := tracing.ChildSpan(ctx, "values")
	defer tracing.FinishSpan(span)

	err := v.run(ctx)
	if err != nil {
		v.output.Push(nil /* row */, &distsqlpb.ProducerMetadata{Err: err})
	}
	SendTraceData(ctx, v.output)
	v.output.ProducerDone()
}

func (v *valuesProcessor) run(ctx context.Context) error {
	// We reuse the code in StreamDecoder for decoding the raw data; we just
	// need to manufacture ProducerMessages.
	var sd StreamDecoder
	m := &distsqlpb.ProducerMessage{
		Header: &distsqlpb.ProducerHeader{},
		Typing: v.columns,
	}
	if len(v.columns) == 0 {
		m.Data.NumEmptyRows = int32(v.numRows)
	}
	if err := sd.AddMessage(m); err != nil {
		return err
	}

	m = &distsqlpb.ProducerMessage{}
	rowBuf := make(sqlbase.EncDatumRow, len(v.columns))
	for chunkIdx := -1; ; {
		for {
			row, meta, err := sd.GetRow(rowBuf)
			if err != nil {
				return err
			}
			if !meta.Empty() {
				return errors.AssertionFailedf("unexpected metadata in values data")
			}
			if row == nil {
				break
			}
			if status := v.output.Push(row, nil /* meta */); status != NeedMoreRows {
				return nil
			}
		}
		chunkIdx++
		if chunkIdx >= len(v.data) {
			return nil
		}
		m.Data.RawBytes = v.data[chunkIdx]
		if err := sd.AddMessage(m); err != nil {
			return err
		}
	}
}

// rowCountSender wraps a row stream and interleaves row-count metadata so
// that the receiving end can verify that no records were dropped along the
// way. Each row is preceded by a RowNum record carrying its ordinal; a final
// record with LastMsg set carries the total count.
type rowCountSender struct {
	flowCtx  *FlowCtx
	senderID string
	input    RowSource
	output   RowReceiver
}

var _ Processor = &rowCountSender{}

func newRowCountSender(
	flowCtx *FlowCtx, senderID string, input RowSource, output RowReceiver,
) *rowCountSender {
	return &rowCountSender{flowCtx: flowCtx, senderID: senderID, input: input, output: output}
}

// OutputTypes is part of the Processor interface.
func (rcs *rowCountSender) OutputTypes() []sqlbase.ColumnType {
	return rcs.input.OutputTypes()
}

// Run is part of the Processor interface.
func (rcs *rowCountSender) Run(ctx context.Context) {
	var rowNum int32
	for {
		row, meta := rcs.input.Next()
		if row == nil && meta == nil {
			rcs.output.Push(nil /* row */, &distsqlpb.ProducerMetadata{
				RowNum: &distsqlpb.RemoteProducerMetadata_RowNum{
					SenderID: rcs.senderID,
					RowNum:   rowNum,
					LastMsg:  true,
				},
			})
			rcs.output.ProducerDone()
			return
		}
		if meta != nil {
			if rcs.output.Push(nil /* row */, meta) == ConsumerClosed {
				rcs.input.ConsumerClosed()
				rcs.output.ProducerDone()
				return
			}
			continue
		}
		rowNum++
		rcs.output.Push(nil /* row */, &distsqlpb.ProducerMetadata{
			RowNum: &distsqlpb.RemoteProducerMetadata_RowNum{
				SenderID: rcs.senderID,
				RowNum:   rowNum,
			},
		})
		switch rcs.output.Push(row, nil /* meta */) {
		case NeedMoreRows:
		case DrainRequested:
			rcs.input.ConsumerDone()
		case ConsumerClosed:
			rcs.input.ConsumerClosed()
			rcs.output.ProducerDone()
			return
		}
	}
}

// rowCountChecker consumes a stream that has passed through rowCountSenders
// and verifies that, for each expected sender, it received exactly one of
// each RowNum ordinal plus the LastMsg record, and that the counts line up.
// If the check fails, an error is emitted before any trailing metadata.
type rowCountChecker struct {
	input   RowSource
	output  RowReceiver
	senders []string

	rowCounts map[string]*rowNumCounter
}

type rowNumCounter struct {
	expected, actual int32
	seen             map[int32]struct{}
	err              error
}

var _ Processor = &rowCountChecker{}

func newRowCountChecker(input RowSource, output RowReceiver, senders []string) *rowCountChecker {
	return &rowCountChecker{
		input:     input,
		output:    output,
		senders:   senders,
		rowCounts: make(map[string]*rowNumCounter),
	}
}

// OutputTypes is part of the Processor interface.
func (rcc *rowCountChecker) OutputTypes() []sqlbase.ColumnType {
	return rcc.input.OutputTypes()
}

func (rcc *rowCountChecker) noteRowNum(rowNum *distsqlpb.RemoteProducerMetadata_RowNum) {
	rcnt, exists := rcc.rowCounts[rowNum.SenderID]
	if !exists {
		rcnt = &rowNumCounter{expected: -1, seen: make(map[int32]struct{})}
		rcc.rowCounts[rowNum.SenderID] = rcnt
	}
	if rcnt.err != nil {
		return
	}
	if rowNum.LastMsg {
		if rcnt.expected != -1 {
			rcnt.err = errors.Errorf(
				"repeated metadata from sender %s: more than one RowNum with LastMsg set",
				rowNum.SenderID)
			return
		}
		rcnt.expected = rowNum.RowNum
		return
	}
	rcnt.actual++
	rcnt.seen[rowNum.RowNum-1] = struct{}{}
}

// checkRowNumMetadata examines all of the received RowNum metadata to ensure
// that it has received exactly one of each expected RowNum. If the check
// detects dropped or repeated metadata, it returns error metadata.
// Otherwise, it returns nil.
func (rcc *rowCountChecker) checkRowNumMetadata() *distsqlpb.ProducerMetadata {
	defer func() { rcc.rowCounts = nil }()

	if len(rcc.rowCounts) != len(rcc.senders) {
		var missingSenders string
		for _, sender := range rcc.senders {
			if _, exists := rcc.rowCounts[sender]; !exists {
				if missingSenders == "" {
					missingSenders = sender
				} else {
					missingSenders += fmt.Sprintf(", %s", sender)
				}
			}
		}
		return &distsqlpb.ProducerMetadata{
			Err: errors.Errorf(
				"expected %d metadata senders but found %d; missing %s",
				len(rcc.senders), len(rcc.rowCounts), missingSenders,
			),
		}
	}
	for id, cnt := range rcc.rowCounts {
		if cnt.err != nil {
			return &distsqlpb.ProducerMetadata{Err: cnt.err}
		}
		if cnt.expected != cnt.actual {
			return &distsqlpb.ProducerMetadata{
				Err: errors.Errorf(
					"dropped metadata from sender %s: expected %d RowNum messages but got %d",
					id, cnt.expected, cnt.actual),
			}
		}
		for i := int32(0); i < cnt.expected; i++ {
			if _, ok := cnt.seen[i]; !ok {
				return &distsqlpb.ProducerMetadata{
					Err: errors.Errorf(
						"dropped and repeated metadata from sender %s: have %d messages but missing RowNum #%d",
						id, cnt.expected, i+1),
				}
			}
		}
	}
	return nil
}

// Run is part of the Processor interface.
func (rcc *rowCountChecker) Run(ctx context.Context) {
	// Metadata with errors from the input is held back until the counts have
	// been checked, so that dropped-metadata failures take precedence over
	// query errors.
	var trailingErrMetadata []*distsqlpb.ProducerMetadata
	for {
		row, meta := rcc.input.Next()
		if meta != nil {
			if meta.RowNum != nil {
				rcc.noteRowNum(meta.RowNum)
				continue
			}
			if meta.Err != nil {
				trailingErrMetadata = append(trailingErrMetadata, meta)
				continue
			}
			if rcc.output.Push(nil /* row */, meta) == ConsumerClosed {
				rcc.input.ConsumerClosed()
				rcc.output.ProducerDone()
				return
			}
			continue
		}
		if row == nil {
			// The input is exhausted. Verify the counts, then release any
			// trailing error metadata.
			if m := rcc.checkRowNumMetadata(); m != nil {
				rcc.output.Push(nil /* row */, m)
			}
			for _, m := range trailingErrMetadata {
				rcc.output.Push(nil /* row */, m)
			}
			rcc.output.ProducerDone()
			return
		}
		switch rcc.output.Push(row, nil /* meta */) {
		case NeedMoreRows:
		case DrainRequested:
			rcc.input.ConsumerDone()
		case ConsumerClosed:
			rcc.input.ConsumerClosed()
			rcc.output.ProducerDone()
			return
		}
	}
}
