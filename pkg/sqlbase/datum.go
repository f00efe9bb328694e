// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package sqlbase

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Datum is a decoded column value. The set of implementations is closed:
// DInt, DBool, DString, DBytes and the DNull singleton.
type Datum interface {
	// Compare returns -1 if the receiver sorts before other, 0 if they are
	// equal and +1 if the receiver sorts after other. NULL sorts before
	// every other value. Comparing datums of different types panics; the
	// schema established at stream setup rules that out.
	Compare(other Datum) int
	fmt.Stringer
}

// DInt is the int Datum.
type DInt int64

// NewDInt is a convenience routine for obtaining a *handleable* Datum from
// an int64.
func NewDInt(v int64) Datum { return DInt(v) }

// Compare implements the Datum interface.
func (d DInt) Compare(other Datum) int {
	if other == DNull {
		return 1
	}
	v, ok := other.(DInt)
	if !ok {
		panic(makeUnsupportedComparisonMessage(d, other))
	}
	switch {
	case d < v:
		return -1
	case d > v:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d DInt) String() string { return fmt.Sprintf("%d", int64(d)) }

// DBool is the bool Datum; false sorts before true.
type DBool bool

// Compare implements the Datum interface.
func (d DBool) Compare(other Datum) int {
	if other == DNull {
		return 1
	}
	v, ok := other.(DBool)
	if !ok {
		panic(makeUnsupportedComparisonMessage(d, other))
	}
	switch {
	case !bool(d) && bool(v):
		return -1
	case bool(d) && !bool(v):
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d DBool) String() string { return fmt.Sprintf("%t", bool(d)) }

// DString is the string Datum.
type DString string

// NewDString is a convenience routine for obtaining a Datum from a string.
func NewDString(s string) Datum { return DString(s) }

// Compare implements the Datum interface.
func (d DString) Compare(other Datum) int {
	if other == DNull {
		return 1
	}
	v, ok := other.(DString)
	if !ok {
		panic(makeUnsupportedComparisonMessage(d, other))
	}
	switch {
	case d < v:
		return -1
	case d > v:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d DString) String() string { return fmt.Sprintf("'%s'", string(d)) }

// DBytes is the bytes Datum.
type DBytes string

// NewDBytes is a convenience routine for obtaining a Datum from a byte
// slice. The bytes are copied (via the string conversion) so the caller
// retains ownership of b.
func NewDBytes(b []byte) Datum { return DBytes(b) }

// Compare implements the Datum interface.
func (d DBytes) Compare(other Datum) int {
	if other == DNull {
		return 1
	}
	v, ok := other.(DBytes)
	if !ok {
		panic(makeUnsupportedComparisonMessage(d, other))
	}
	switch {
	case d < v:
		return -1
	case d > v:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d DBytes) String() string { return fmt.Sprintf("x'%x'", string(d)) }

type dNull struct{}

// DNull is the NULL Datum.
var DNull Datum = dNull{}

// Compare implements the Datum interface.
func (d dNull) Compare(other Datum) int {
	if other == DNull {
		return 0
	}
	return -1
}

// String implements fmt.Stringer.
func (d dNull) String() string { return "NULL" }

func makeUnsupportedComparisonMessage(d1, d2 Datum) error {
	return errors.AssertionFailedf("unsupported comparison: %T to %T", d1, d2)
}
