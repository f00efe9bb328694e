// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package sqlbase

import "fmt"

// ColumnKind identifies the value type of a column.
type ColumnKind int32

// ColumnKind values.
const (
	ColumnInt ColumnKind = iota
	ColumnBool
	ColumnString
	ColumnBytes
)

// String implements fmt.Stringer.
func (k ColumnKind) String() string {
	switch k {
	case ColumnInt:
		return "INT"
	case ColumnBool:
		return "BOOL"
	case ColumnString:
		return "STRING"
	case ColumnBytes:
		return "BYTES"
	default:
		return fmt.Sprintf("ColumnKind(%d)", int32(k))
	}
}

// ColumnType describes the type of a column; one per column is established
// on a stream before any row data flows.
type ColumnType struct {
	Kind ColumnKind
}

// Equal returns true if the two types are identical.
func (c ColumnType) Equal(o ColumnType) bool {
	return c.Kind == o.Kind
}

// String implements fmt.Stringer.
func (c ColumnType) String() string {
	return c.Kind.String()
}

// IntType is the canonical INT column type, for convenience in tests and
// specs.
var IntType = ColumnType{Kind: ColumnInt}

// DatumEncoding identifies the encoding used for an EncDatum.
type DatumEncoding int32

// DatumEncoding values. Both are order-preserving key encodings; the
// descending variant inverts the sort order.
const (
	AscendingKeyEncoding DatumEncoding = iota
	DescendingKeyEncoding
)

// String implements fmt.Stringer.
func (e DatumEncoding) String() string {
	switch e {
	case AscendingKeyEncoding:
		return "ASC_KEY"
	case DescendingKeyEncoding:
		return "DESC_KEY"
	default:
		return fmt.Sprintf("DatumEncoding(%d)", int32(e))
	}
}
