// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package sqlbase

// This file contains helper functions for tests that need rows, types and
// datums; it lives in the package (and not in a _test file) so that tests in
// other packages can use it.

import (
	"math/rand"

	"github.com/shakeelrao/distflow/pkg/util/randutil"
)

// MakeIntCols makes a slice of numCols INT types.
func MakeIntCols(numCols int) []ColumnType {
	ret := make([]ColumnType, numCols)
	for i := range ret {
		ret[i] = IntType
	}
	return ret
}

// IntEncDatum returns an EncDatum representation of DInt(i).
func IntEncDatum(i int) EncDatum {
	return DatumToEncDatum(IntType, DInt(i))
}

// StrEncDatum returns an EncDatum representation of DString(s).
func StrEncDatum(s string) EncDatum {
	return DatumToEncDatum(ColumnType{Kind: ColumnString}, DString(s))
}

// NullEncDatum returns an EncDatum representation of NULL of the given type.
func NullEncDatum(typ ColumnType) EncDatum {
	return DatumToEncDatum(typ, DNull)
}

// MakeIntRows constructs a numRows x numCols table where rows[i][j] = i+j.
func MakeIntRows(numRows, numCols int) EncDatumRows {
	rows := make(EncDatumRows, numRows)
	for i := range rows {
		rows[i] = make(EncDatumRow, numCols)
		for j := 0; j < numCols; j++ {
			rows[i][j] = IntEncDatum(i + j)
		}
	}
	return rows
}

// RandColumnType returns a random column type.
func RandColumnType(rng *rand.Rand) ColumnType {
	kinds := []ColumnKind{ColumnInt, ColumnBool, ColumnString, ColumnBytes}
	return ColumnType{Kind: kinds[rng.Intn(len(kinds))]}
}

// RandColumnTypes returns numCols random column types.
func RandColumnTypes(rng *rand.Rand, numCols int) []ColumnType {
	types := make([]ColumnType, numCols)
	for i := range types {
		types[i] = RandColumnType(rng)
	}
	return types
}

// RandDatumEncoding returns a random DatumEncoding value.
func RandDatumEncoding(rng *rand.Rand) DatumEncoding {
	if rng.Intn(2) == 0 {
		return AscendingKeyEncoding
	}
	return DescendingKeyEncoding
}

// RandDatum generates a random Datum of the given type. If nullOk is true,
// the datum can be DNull.
func RandDatum(rng *rand.Rand, typ ColumnType, nullOk bool) Datum {
	if nullOk && rng.Intn(10) == 0 {
		return DNull
	}
	switch typ.Kind {
	case ColumnInt:
		// Favor small values but sprinkle in extremes.
		switch rng.Intn(4) {
		case 0:
			return DInt(rng.Int63())
		case 1:
			return DInt(-rng.Int63())
		default:
			return DInt(rng.Intn(1000) - 500)
		}
	case ColumnBool:
		return DBool(rng.Intn(2) == 0)
	case ColumnString:
		return DString(randutil.RandBytes(rng, rng.Intn(10)))
	case ColumnBytes:
		return DBytes(randutil.RandBytes(rng, rng.Intn(10)))
	default:
		panic("unsupported column kind")
	}
}

// RandEncDatumRows generates EncDatumRows where all rows follow the provided
// types.
func RandEncDatumRows(rng *rand.Rand, numRows int, types []ColumnType) EncDatumRows {
	rows := make(EncDatumRows, numRows)
	for i := range rows {
		rows[i] = make(EncDatumRow, len(types))
		for j, typ := range types {
			rows[i][j] = DatumToEncDatum(typ, RandDatum(rng, typ, true))
		}
	}
	return rows
}
