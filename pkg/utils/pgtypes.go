package utils

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// textOIDs are decoded as their literal text: the ODS stores them in TEXT, JSONB or NUMERIC
// columns, so parsing would only lose formatting or precision
var textOIDs = map[uint32]bool{
	pgtype.JSONOID:      true,
	pgtype.JSONBOID:     true,
	pgtype.NumericOID:   true,
	pgtype.Int4rangeOID: true,
	pgtype.Int8rangeOID: true,
	pgtype.NumrangeOID:  true,
	pgtype.TsrangeOID:   true,
	pgtype.TstzrangeOID: true,
	pgtype.DaterangeOID: true,
	142:                 true, // xml
	3614:                true, // tsvector
	3615:                true, // tsquery
}

// ValueDecoder turns column data of pgoutput tuples into Go values with pgx codecs.
// It is not safe for concurrent use; every replication stream owns one.
type ValueDecoder struct {
	types *pgtype.Map
}

func NewValueDecoder() *ValueDecoder {
	return &ValueDecoder{types: pgtype.NewMap()}
}

// Decode converts one column value. format is the pgx format code of the tuple column.
// Values pgx cannot decode fall back to their text, or to raw bytes for binary data.
func (d *ValueDecoder) Decode(data []byte, oid uint32, format int16) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	raw := func() interface{} {
		if format == pgtype.BinaryFormatCode && oid == pgtype.ByteaOID {
			return data
		}
		return string(data)
	}

	typ, known := d.types.TypeForOID(oid)
	if !known {
		return raw(), nil
	}
	if format == pgtype.TextFormatCode {
		if _, isArray := typ.Codec.(*pgtype.ArrayCodec); isArray || textOIDs[oid] {
			return string(data), nil
		}
	}
	value, err := typ.Codec.DecodeValue(d.types, oid, format, data)
	if err != nil {
		return raw(), nil
	}
	return value, nil
}

// TypeName returns the catalog name of a built-in type, "_int4" style for arrays, or "" when unknown
func (d *ValueDecoder) TypeName(oid uint32) string {
	if typ, ok := d.types.TypeForOID(oid); ok {
		return typ.Name
	}
	return ""
}
