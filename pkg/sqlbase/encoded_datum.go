// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

package sqlbase

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shakeelrao/distflow/pkg/util/encoding"
)

// EncDatum represents a datum that is "backed" by an encoding and/or by a
// decoded Datum. It allows "passing through" a datum without decoding and
// reencoding. An EncDatum carries its column type so it can decode and
// reencode itself.
type EncDatum struct {
	Type ColumnType

	// encoding is set only if encoded is not nil.
	encoding DatumEncoding

	// encoded datum; can be nil if Datum is set.
	encoded []byte

	// decoded datum; can be nil if encoded is set.
	Datum Datum
}

func (ed *EncDatum) stringWithAlloc(a *DatumAlloc) string {
	if ed.Datum == nil {
		if ed.encoded == nil {
			return "<unset>"
		}
		if a == nil {
			a = &DatumAlloc{}
		}
		err := ed.EnsureDecoded(a)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
	}
	return ed.Datum.String()
}

// String implements fmt.Stringer.
func (ed *EncDatum) String() string {
	return ed.stringWithAlloc(nil)
}

// EncDatumFromEncoded initializes an EncDatum with the given encoded value.
// The encoded value is stored as a shallow copy, so the caller must make
// sure it is not modified for the lifetime of the EncDatum.
func EncDatumFromEncoded(typ ColumnType, enc DatumEncoding, encoded []byte) EncDatum {
	if len(encoded) == 0 {
		panic(errors.AssertionFailedf("empty encoded value"))
	}
	return EncDatum{
		Type:     typ,
		encoding: enc,
		encoded:  encoded,
	}
}

// EncDatumFromBuffer initializes an EncDatum with an encoding that is
// possibly followed by other data. Similar to EncDatumFromEncoded, except
// that this function figures out where the encoding stops and returns a
// slice for the rest of the buffer.
func EncDatumFromBuffer(
	typ ColumnType, enc DatumEncoding, buf []byte,
) (EncDatum, []byte, error) {
	encLen, err := encoding.PeekLength(buf)
	if err != nil {
		return EncDatum{}, nil, err
	}
	ed := EncDatumFromEncoded(typ, enc, buf[:encLen])
	return ed, buf[encLen:], nil
}

// DatumToEncDatum initializes an EncDatum with the given Datum.
func DatumToEncDatum(typ ColumnType, d Datum) EncDatum {
	if d == nil {
		panic(errors.AssertionFailedf("cannot convert nil datum to EncDatum"))
	}
	return EncDatum{Type: typ, Datum: d}
}

// IsUnset returns true if SetEncoded or SetDatum were not called.
func (ed *EncDatum) IsUnset() bool {
	return ed.encoded == nil && ed.Datum == nil
}

// IsNull returns true if the EncDatum value is NULL. Equivalent to checking
// if ed.Datum is DNull after decoding.
func (ed *EncDatum) IsNull() bool {
	if ed.Datum != nil {
		return ed.Datum == DNull
	}
	if ed.encoded == nil {
		panic(errors.AssertionFailedf("IsNull on unset EncDatum"))
	}
	switch ed.encoding {
	case AscendingKeyEncoding:
		_, isNull := encoding.DecodeIfNull(ed.encoded)
		return isNull
	case DescendingKeyEncoding:
		_, isNull := encoding.DecodeIfNullDescending(ed.encoded)
		return isNull
	default:
		panic(errors.AssertionFailedf("unknown encoding %s", ed.encoding))
	}
}

// Encoding returns the encoding that is already available with the
// EncDatum. Returns false if no encoding is available.
func (ed *EncDatum) Encoding() (DatumEncoding, bool) {
	if ed.encoded == nil {
		return 0, false
	}
	return ed.encoding, true
}

// EnsureDecoded ensures that the Datum field is set (decoding if it is not).
func (ed *EncDatum) EnsureDecoded(a *DatumAlloc) error {
	if ed.Datum != nil {
		return nil
	}
	if ed.encoded == nil {
		return errors.AssertionFailedf("decoding unset EncDatum")
	}
	datum, rem, err := decodeDatum(ed.Type, ed.encoding, ed.encoded)
	if err != nil {
		return err
	}
	if len(rem) != 0 {
		return errors.Errorf("%d trailing bytes in encoded value: %x", len(rem), rem)
	}
	ed.Datum = datum
	return nil
}

// Encode appends the encoded datum to the given slice using the requested
// encoding.
func (ed *EncDatum) Encode(
	a *DatumAlloc, enc DatumEncoding, appendTo []byte,
) ([]byte, error) {
	if ed.encoded != nil && enc == ed.encoding {
		// We already have an encoding that matches.
		return append(appendTo, ed.encoded...), nil
	}
	if err := ed.EnsureDecoded(a); err != nil {
		return nil, err
	}
	return encodeDatum(ed.Datum, enc, appendTo)
}

// Fingerprint appends a deterministic, encoding-independent byte
// representation of the datum value, suitable for hashing: equal values
// produce equal fingerprints.
func (ed *EncDatum) Fingerprint(a *DatumAlloc, appendTo []byte) ([]byte, error) {
	return ed.Encode(a, AscendingKeyEncoding, appendTo)
}

// Compare returns:
//
//	-1 if the receiver is less than rhs,
//	0  if the receiver is equal to rhs,
//	+1 if the receiver is greater than rhs.
func (ed *EncDatum) Compare(a *DatumAlloc, rhs *EncDatum) (int, error) {
	// TODO(radu): if we have both the Datum and a key encoding available,
	// we could benchmark to determine which comparison is faster.
	if ed.encoded != nil && rhs.encoded != nil && ed.encoding == rhs.encoding {
		switch ed.encoding {
		case AscendingKeyEncoding:
			return bytes.Compare(ed.encoded, rhs.encoded), nil
		case DescendingKeyEncoding:
			return bytes.Compare(rhs.encoded, ed.encoded), nil
		}
	}
	if err := ed.EnsureDecoded(a); err != nil {
		return 0, err
	}
	if err := rhs.EnsureDecoded(a); err != nil {
		return 0, err
	}
	return ed.Datum.Compare(rhs.Datum), nil
}

func encodeDatum(d Datum, enc DatumEncoding, appendTo []byte) ([]byte, error) {
	if d == DNull {
		switch enc {
		case AscendingKeyEncoding:
			return encoding.EncodeNullAscending(appendTo), nil
		case DescendingKeyEncoding:
			return encoding.EncodeNullDescending(appendTo), nil
		default:
			return nil, errors.Errorf("unknown encoding %s", enc)
		}
	}
	switch v := d.(type) {
	case DInt:
		if enc == AscendingKeyEncoding {
			return encoding.EncodeVarintAscending(appendTo, int64(v)), nil
		}
		return encoding.EncodeVarintDescending(appendTo, int64(v)), nil
	case DBool:
		var x int64
		if v {
			x = 1
		}
		if enc == AscendingKeyEncoding {
			return encoding.EncodeVarintAscending(appendTo, x), nil
		}
		return encoding.EncodeVarintDescending(appendTo, x), nil
	case DString:
		if enc == AscendingKeyEncoding {
			return encoding.EncodeStringAscending(appendTo, string(v)), nil
		}
		return encoding.EncodeStringDescending(appendTo, string(v)), nil
	case DBytes:
		if enc == AscendingKeyEncoding {
			return encoding.EncodeBytesAscending(appendTo, []byte(v)), nil
		}
		return encoding.EncodeBytesDescending(appendTo, []byte(v)), nil
	default:
		return nil, errors.AssertionFailedf("unable to encode datum %T", d)
	}
}

func decodeDatum(typ ColumnType, enc DatumEncoding, buf []byte) (Datum, []byte, error) {
	switch enc {
	case AscendingKeyEncoding:
		if rem, isNull := encoding.DecodeIfNull(buf); isNull {
			return DNull, rem, nil
		}
	case DescendingKeyEncoding:
		if rem, isNull := encoding.DecodeIfNullDescending(buf); isNull {
			return DNull, rem, nil
		}
	default:
		return nil, nil, errors.Errorf("unknown encoding %s", enc)
	}
	ascending := enc == AscendingKeyEncoding
	switch typ.Kind {
	case ColumnInt:
		var rem []byte
		var v int64
		var err error
		if ascending {
			rem, v, err = encoding.DecodeVarintAscending(buf)
		} else {
			rem, v, err = encoding.DecodeVarintDescending(buf)
		}
		return DInt(v), rem, err
	case ColumnBool:
		var rem []byte
		var v int64
		var err error
		if ascending {
			rem, v, err = encoding.DecodeVarintAscending(buf)
		} else {
			rem, v, err = encoding.DecodeVarintDescending(buf)
		}
		return DBool(v != 0), rem, err
	case ColumnString:
		var rem []byte
		var s string
		var err error
		if ascending {
			rem, s, err = encoding.DecodeStringAscending(buf, nil)
		} else {
			rem, s, err = encoding.DecodeStringDescending(buf, nil)
		}
		return DString(s), rem, err
	case ColumnBytes:
		var rem []byte
		var b []byte
		var err error
		if ascending {
			rem, b, err = encoding.DecodeBytesAscending(buf, nil)
		} else {
			rem, b, err = encoding.DecodeBytesDescending(buf, nil)
		}
		return DBytes(b), rem, err
	default:
		return nil, nil, errors.Errorf("unable to decode column kind %s", typ.Kind)
	}
}

// DatumAlloc provides batch allocation of datums. In this implementation
// our datums are plain values so there is nothing to pool; the type is kept
// so that encode/decode call sites read the same as everywhere else in the
// codebase and so allocation batching can be added without touching them.
type DatumAlloc struct{}

// EncDatumRow is a row of EncDatums.
type EncDatumRow []EncDatum

func (r EncDatumRow) stringToBuf(a *DatumAlloc, b *strings.Builder) {
	b.WriteString("[")
	for i := range r {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(r[i].stringWithAlloc(a))
	}
	b.WriteString("]")
}

// String implements fmt.Stringer.
func (r EncDatumRow) String() string {
	var b strings.Builder
	r.stringToBuf(&DatumAlloc{}, &b)
	return b.String()
}

// Copy makes a deep-enough copy of the row: the slice is new, the EncDatums
// still share the underlying encoded bytes (which are immutable).
func (r EncDatumRow) Copy() EncDatumRow {
	return append(EncDatumRow(nil), r...)
}

// Compare returns the relative ordering of two EncDatumRows according to a
// ColumnOrdering:
//
//	-1 if the receiver comes first,
//	0  if they are equal on the ordering columns,
//	+1 if rhs comes first.
func (r EncDatumRow) Compare(
	a *DatumAlloc, ordering ColumnOrdering, rhs EncDatumRow,
) (int, error) {
	for _, c := range ordering {
		cmp, err := r[c.ColIdx].Compare(a, &rhs[c.ColIdx])
		if err != nil {
			return 0, err
		}
		if cmp != 0 {
			if c.Direction == encoding.Descending {
				cmp = -cmp
			}
			return cmp, nil
		}
	}
	return 0, nil
}

// EncDatumRows is a slice of EncDatumRows.
type EncDatumRows []EncDatumRow

// String implements fmt.Stringer.
func (r EncDatumRows) String() string {
	var b strings.Builder
	a := &DatumAlloc{}
	b.WriteString("[")
	for i, row := range r {
		if i > 0 {
			b.WriteString(" ")
		}
		row.stringToBuf(a, &b)
	}
	b.WriteString("]")
	return b.String()
}

// ColumnOrderInfo describes a column (as an index) and a desired order
// direction.
type ColumnOrderInfo struct {
	ColIdx    int
	Direction encoding.Direction
}

// ColumnOrdering is used to describe a desired column ordering. For example,
//
//	[]ColumnOrderInfo{ {3, encoding.Descending}, {1, encoding.Ascending} }
//
// represents an ordering first by column 3 (descending), then by column 1
// (ascending).
type ColumnOrdering []ColumnOrderInfo
