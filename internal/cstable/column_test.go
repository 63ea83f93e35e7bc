package cstable

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

func encodeColumn(t *testing.T, w ColumnWriter) []byte {
	t.Helper()
	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(w.BodySize()), n)
	return buf.Bytes()
}

func TestColumn_RoundTripPerType(t *testing.T) {
	ts := time.Date(2015, 6, 1, 8, 30, 0, 1000, time.UTC)
	tests := []struct {
		typ    types.FieldType
		values []types.Value
	}{
		{types.FieldTypeBool, []types.Value{types.BoolValue(true), types.BoolValue(false)}},
		{types.FieldTypeUInt32, []types.Value{types.UInt32Value(0), types.UInt32Value(math.MaxUint32)}},
		{types.FieldTypeUInt64, []types.Value{types.UInt64Value(1), types.UInt64Value(math.MaxUint64)}},
		{types.FieldTypeString, []types.Value{types.StringValue(""), types.StringValue("fnord")}},
		{types.FieldTypeDouble, []types.Value{types.DoubleValue(-0.5), types.DoubleValue(math.Inf(1))}},
		{types.FieldTypeDateTime, []types.Value{types.DateTimeValue(ts), types.DateTimeMicros(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			w, err := NewColumnWriter(tt.typ, 1, 2)
			require.NoError(t, err)
			require.NoError(t, w.AddDatum(0, 2, tt.values[0]))
			w.AddNull(1, 1)
			require.NoError(t, w.AddDatum(1, 2, tt.values[1]))
			w.AddNull(0, 0)
			assert.Equal(t, uint64(4), w.NumValues())

			r, err := newColumnReader("col", encodeColumn(t, w))
			require.NoError(t, err)
			assert.Equal(t, tt.typ, r.Type())
			assert.Equal(t, uint8(1), r.MaxRepetitionLevel())
			assert.Equal(t, uint8(2), r.MaxDefinitionLevel())

			want := []Triple{
				{R: 0, D: 2, Value: tt.values[0]},
				{R: 1, D: 1},
				{R: 1, D: 2, Value: tt.values[1]},
				{R: 0, D: 0},
			}
			for i, exp := range want {
				if i == 2 {
					p, err := r.Peek()
					require.NoError(t, err)
					assert.Equal(t, exp, p)
				}
				got, err := r.Next()
				require.NoError(t, err)
				assert.Equal(t, exp, got, "triple %d", i)
			}
			assert.True(t, r.EOF())

			_, err = r.Next()
			assert.True(t, errors.Is(err, rserrors.ErrUnexpectedEndOfColumn))
		})
	}
}

func TestColumn_LevelsOmittedWhenZero(t *testing.T) {
	w, err := NewColumnWriter(types.FieldTypeUInt32, 0, 0)
	require.NoError(t, err)
	require.NoError(t, w.AddDatum(0, 0, types.UInt32Value(0x01020304)))

	body := encodeColumn(t, w)
	assert.Equal(t, []byte{
		byte(types.FieldTypeUInt32), 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0,
		4, 3, 2, 1,
	}, body)
}

func TestColumn_AddDatumTypeMismatch(t *testing.T) {
	w, err := NewColumnWriter(types.FieldTypeString, 0, 0)
	require.NoError(t, err)
	err = w.AddDatum(0, 0, types.UInt32Value(1))
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
	assert.Equal(t, uint64(0), w.NumValues())
}

func TestColumn_NoEncodingForObject(t *testing.T) {
	_, err := NewColumnWriter(types.FieldTypeObject, 0, 0)
	assert.Error(t, err)
}

func TestColumnReader_Corrupt(t *testing.T) {
	w, err := NewColumnWriter(types.FieldTypeString, 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.AddDatum(0, 1, types.StringValue("hello")))
	require.NoError(t, w.AddDatum(1, 1, types.StringValue("world")))
	body := encodeColumn(t, w)

	_, err = newColumnReader("col", body[:5])
	assert.True(t, errors.Is(err, rserrors.ErrCorruptFile))

	// levels present, value bytes cut short
	r, err := newColumnReader("col", body[:len(body)-3])
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, errors.Is(err, rserrors.ErrCorruptFile))

	bad := append([]byte(nil), body...)
	bad[0] = 0xEE
	_, err = newColumnReader("col", bad)
	assert.True(t, errors.Is(err, rserrors.ErrCorruptFile))
}
