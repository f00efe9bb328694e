// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.
//
// Input synchronizers are used by processors to merge incoming rows from
// (potentially) multiple streams; see docs on InputSyncSpec.

package distsql

import (
	"container/heap"
	"context"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/distsqlpb"
	"github.com/shakeelrao/distflow/pkg/sqlbase"
)

type srcInfo struct {
	src RowSource

	// row is the last row received from src.
	row sqlbase.EncDatumRow
}

// srcIdx refers to the index of a source inside a []srcInfo array.
type srcIdx int

type orderedSynchronizerState int

const (
	// notInitialized means that the heap has not yet been constructed. A row
	// needs to be read from each source to build the heap.
	notInitialized orderedSynchronizerState = iota
	// returningRows is the regular operation mode of the orderedSynchronizer.
	// Rows and metadata records are returning to the consumer.
	returningRows
	// draining means the orderedSynchronizer will ignore everything but
	// metadata records. On the first call to Next() while in draining mode,
	// all the sources are read until exhausted and metadata is accumulated.
	draining
	// drained means all the sources have been exhausted; any buffered
	// metadata is returned and then the synchronizer is done.
	drained
)

// orderedSynchronizer receives rows from multiple streams and produces a
// single stream of rows, ordered according to a set of columns. The rows in
// each input stream are assumed to be ordered according to the same set of
// columns.
type orderedSynchronizer struct {
	ctx context.Context

	ordering sqlbase.ColumnOrdering
	types    []sqlbase.ColumnType

	sources []srcInfo

	// state dictates the operation mode.
	state orderedSynchronizerState

	// heap of source indexes. In state notInitialized, heap holds all source
	// indexes. Once initialized (initHeap is called), heap will be ordered by
	// the current row from each source and will only contain source indexes
	// of sources that are not done.
	heap []srcIdx
	// needsAdvance is set when the row at the root of the heap has already
	// been consumed and thus producing a new row requires the root to be
	// advanced. This is usually set after a row is produced, but is not set
	// when a metadata record is produced, as that means that the row at the
	// root of the heap is still pending.
	needsAdvance bool

	// err can be set by the Less function (used by the heap implementation)
	err error

	alloc sqlbase.DatumAlloc

	// metadata is accumulated from all the sources and is passed on as soon
	// as possible.
	metadata []*distsqlpb.ProducerMetadata
}

var _ RowSource = &orderedSynchronizer{}

// OutputTypes is part of the RowSource interface.
func (s *orderedSynchronizer) OutputTypes() []sqlbase.ColumnType {
	return s.types
}

// Len is part of heap.Interface and is only meant to be used internally.
func (s *orderedSynchronizer) Len() int {
	return len(s.heap)
}

// Less is part of heap.Interface and is only meant to be used internally.
func (s *orderedSynchronizer) Less(i, j int) bool {
	si := &s.sources[s.heap[i]]
	sj := &s.sources[s.heap[j]]
	cmp, err := si.row.Compare(&s.alloc, s.ordering, sj.row)
	if err != nil {
		s.err = err
		return false
	}
	if cmp == 0 {
		// Ties are broken by the source index so that the output is
		// deterministic: the source that appears first in the input list wins.
		return s.heap[i] < s.heap[j]
	}
	return cmp < 0
}

// Swap is part of heap.Interface and is only meant to be used internally.
func (s *orderedSynchronizer) Swap(i, j int) {
	s.heap[i], s.heap[j] = s.heap[j], s.heap[i]
}

// Push is part of heap.Interface; it's not used as we never insert elements
// to the heap (we initialize it with all sources, remove elements as sources
// are exhausted).
func (s *orderedSynchronizer) Push(x interface{}) { panic("unimplemented") }

// Pop is part of heap.Interface and is only meant to be used internally.
func (s *orderedSynchronizer) Pop() interface{} {
	s.heap = s.heap[:len(s.heap)-1]
	return nil
}

// initHeap grabs a row from each source and initializes the heap. Any
// metadata records encountered in the process are accumulated. Can return
// errors encountered while consuming sources or from the row comparisons.
func (s *orderedSynchronizer) initHeap() error {
	// consumeMetadata() stores ordinary metadata records but returns
	// immediately on rows or errors.
	for i := range s.sources {
		src := &s.sources[i]
		if err := s.consumeMetadata(src, stopOnRowOrError); err != nil {
			return err
		}
		if src.row != nil {
			// Add to the heap array (it won't be a heap until we call Init).
			s.heap = append(s.heap, srcIdx(i))
		}
	}
	heap.Init(s)
	// heap operations might set s.err (by the Less function).
	return s.err
}

type consumeMetadataOption int

const (
	// stopOnRowOrError means that consumeMetadata() will stop consuming as
	// soon as a row or metadata record with an error is received. The
	// respective row/error is stored in the srcInfo.
	stopOnRowOrError consumeMetadataOption = iota
	// drain means that all the rows and metadata will be consumed until the
	// source is exhausted. All data rows are discarded and all the metadata
	// records are accumulated.
	drain
)

// consumeMetadata accumulates metadata from a source. Depending on mode, it
// will stop on the first row or error, or it will completely consume the
// source.
//
// In the stopOnRowOrError mode, src.row will be updated to the first row
// received (or to nil if the source has been exhausted).
//
// Metadata records are accumulated in s.metadata. With the stopOnRowOrError
// mode, if a metadata record with an error is encountered, further metadata
// is not consumed and the error is returned.
func (s *orderedSynchronizer) consumeMetadata(src *srcInfo, mode consumeMetadataOption) error {
	for {
		row, meta := src.src.Next()
		if meta != nil {
			if meta.Err != nil && mode == stopOnRowOrError {
				return meta.Err
			}
			s.metadata = append(s.metadata, meta)
			continue
		}
		if mode == stopOnRowOrError {
			src.row = row
			return nil
		}
		if row == nil && meta == nil {
			return nil
		}
	}
}

// advanceRoot retrieves the next row for the source at the root of the heap
// and updates the heap accordingly.
//
// Metadata records from the source currently at the root are accumulated.
//
// If an error is returned, then either the heap is in a bad state (s.err is
// set), or one of the sources is borked. In either case, advanceRoot() should
// not be called again - the caller should update the
// orderedSynchronizer.state accordingly.
func (s *orderedSynchronizer) advanceRoot() error {
	if s.state != returningRows {
		return errors.AssertionFailedf("advanceRoot() called in unsupported state: %d", s.state)
	}
	if len(s.heap) == 0 {
		return nil
	}
	src := &s.sources[s.heap[0]]
	if src.row == nil {
		return errors.AssertionFailedf("trying to advance closed source")
	}

	oldRow := src.row
	if err := s.consumeMetadata(src, stopOnRowOrError); err != nil {
		return err
	}

	if src.row == nil {
		heap.Remove(s, 0)
	} else {
		heap.Fix(s, 0)
		// heap operations might set s.err (by the Less function).
		if s.err != nil {
			return s.err
		}
		if cmp, err := oldRow.Compare(&s.alloc, s.ordering, src.row); err != nil {
			return err
		} else if cmp > 0 {
			return errors.Errorf(
				"incorrectly ordered stream %s after %s", src.row.String(), oldRow.String())
		}
	}
	// heap operations might set s.err (by the Less function).
	return s.err
}

// drainSources consumes all the rows from the sources. All the data is
// discarded, except the metadata records which are accumulated in s.metadata.
func (s *orderedSynchronizer) drainSources() {
	for i := range s.sources {
		if err := s.consumeMetadata(&s.sources[i], drain); err != nil {
			s.metadata = append(s.metadata, &distsqlpb.ProducerMetadata{Err: err})
		}
	}
}

// Start must be called before the first call to Next().
func (s *orderedSynchronizer) Start(ctx context.Context) {
	s.ctx = ctx
}

// Next is part of the RowSource interface.
func (s *orderedSynchronizer) Next() (sqlbase.EncDatumRow, *distsqlpb.ProducerMetadata) {
	if s.state == notInitialized {
		if err := s.initHeap(); err != nil {
			s.ConsumerDone()
			return nil, &distsqlpb.ProducerMetadata{Err: err}
		}
		s.state = returningRows
	} else if s.state == returningRows && s.needsAdvance {
		// Last row returned was from the source at the root of the heap; get
		// the next row for that source.
		s.needsAdvance = false
		if err := s.advanceRoot(); err != nil {
			s.ConsumerDone()
			return nil, &distsqlpb.ProducerMetadata{Err: err}
		}
	}

	if s.state == draining {
		// ConsumerDone(), or an error, has put us in draining mode. All
		// subsequent Next() calls will return metadata records.
		s.drainSources()
		s.state = drained
	}

	if len(s.metadata) != 0 {
		var meta *distsqlpb.ProducerMetadata
		meta, s.metadata = s.metadata[0], s.metadata[1:]
		return nil, meta
	}

	if s.state != returningRows || len(s.heap) == 0 {
		return nil, nil
	}
	s.needsAdvance = true
	return s.sources[s.heap[0]].row, nil
}

// ConsumerDone is part of the RowSource interface.
func (s *orderedSynchronizer) ConsumerDone() {
	// We're entering draining mode. Only metadata will be forwarded from now
	// on.
	if s.state != draining && s.state != drained {
		s.consumerStatusChanged(draining, RowSource.ConsumerDone)
	}
}

// ConsumerClosed is part of the RowSource interface.
func (s *orderedSynchronizer) ConsumerClosed() {
	// The state shouldn't matter any more; brutally close all sources.
	s.consumerStatusChanged(drained, RowSource.ConsumerClosed)
}

// consumerStatusChanged changes the state of the synchronizer and forwards
// the new status to all the sources.
func (s *orderedSynchronizer) consumerStatusChanged(
	newState orderedSynchronizerState, f func(RowSource),
) {
	for i := range s.sources {
		f(s.sources[i].src)
	}
	s.state = newState
}

// makeOrderedSync creates an orderedSynchronizer. All sources must produce
// rows ordered according to the given ordering.
func makeOrderedSync(
	ordering sqlbase.ColumnOrdering, types []sqlbase.ColumnType, sources []RowSource,
) (*orderedSynchronizer, error) {
	if len(sources) < 2 {
		return nil, errors.Errorf("only %d sources for ordered synchronizer", len(sources))
	}
	if len(ordering) == 0 {
		return nil, errors.Errorf("empty ordering for ordered synchronizer")
	}
	s := &orderedSynchronizer{
		state:    notInitialized,
		types:    types,
		sources:  make([]srcInfo, len(sources)),
		heap:     make([]srcIdx, 0, len(sources)),
		ordering: ordering,
	}
	for i := range s.sources {
		s.sources[i].src = sources[i]
	}
	return s, nil
}
