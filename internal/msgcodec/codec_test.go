package msgcodec

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	rserrors "github.com/arkilian/recordstore/internal/errors"
	"github.com/arkilian/recordstore/pkg/types"
)

func mustField(t *testing.T) func(types.Field, error) types.Field {
	t.Helper()
	return func(f types.Field, err error) types.Field {
		t.Helper()
		require.NoError(t, err)
		return f
	}
}

func eventSchema(t *testing.T) *types.Schema {
	t.Helper()
	tag := types.MustSchema("tag",
		mustField(t)(types.NewField(1, "key", types.FieldTypeString, 0, false, false)),
		mustField(t)(types.NewField(2, "weight", types.FieldTypeDouble, 0, false, true)),
	)
	return types.MustSchema("event",
		mustField(t)(types.NewField(1, "name", types.FieldTypeString, 0, false, false)),
		mustField(t)(types.NewField(2, "count", types.FieldTypeUInt32, 0, false, true)),
		mustField(t)(types.NewField(3, "seen", types.FieldTypeBool, 0, false, true)),
		mustField(t)(types.NewField(4, "total", types.FieldTypeUInt64, 0, false, true)),
		mustField(t)(types.NewField(5, "at", types.FieldTypeDateTime, 0, false, true)),
		mustField(t)(types.NewObjectField(6, "tags", tag, true, false)),
		mustField(t)(types.NewField(7, "labels", types.FieldTypeString, 0, true, false)),
	)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	schema := eventSchema(t)

	rec := types.NewRecord()
	rec.AddString(1, "click")
	rec.AddUInt32(2, 42)
	rec.AddBool(3, true)
	rec.AddUInt64(4, math.MaxUint64)
	rec.AddTime(5, time.Date(2024, 3, 1, 12, 0, 0, 123000, time.UTC))
	tag := rec.AddObject(6)
	tag.AddString(1, "a")
	tag.AddDouble(2, 0.25)
	rec.AddObject(6).AddString(1, "b")
	rec.AddString(7, "x")
	rec.AddString(7, "y")

	data, err := Encode(rec, schema)
	require.NoError(t, err)

	got, err := Decode(data, schema)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got), "want %s\ngot  %s", rec, got)
}

func TestEncodeDecode_LargestFieldID(t *testing.T) {
	require.Equal(t, protowire.MaxValidNumber, protowire.Number(types.MaxFieldID))
	schema := types.MustSchema("wide",
		mustField(t)(types.NewField(1, "first", types.FieldTypeString, 0, false, false)),
		mustField(t)(types.NewField(types.MaxFieldID, "last", types.FieldTypeString, 0, false, false)),
	)
	rec := types.NewRecord()
	rec.AddString(1, "a")
	rec.AddString(types.MaxFieldID, "z")

	data, err := Encode(rec, schema)
	require.NoError(t, err)
	got, err := Decode(data, schema)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got), "want %s\ngot  %s", rec, got)
}

func TestEncode_AbsentOptionalEmitsNothing(t *testing.T) {
	schema := eventSchema(t)

	rec := types.NewRecord()
	rec.AddString(1, "only")

	data, err := Encode(rec, schema)
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(data)
	require.Greater(t, n, 0)
	assert.Equal(t, protowire.Number(1), num)
	assert.Equal(t, protowire.BytesType, typ)
	_, m := protowire.ConsumeBytes(data[n:])
	assert.Equal(t, len(data), n+m)
}

func TestEncode_RejectsUnknownField(t *testing.T) {
	schema := eventSchema(t)

	rec := types.NewRecord()
	rec.AddString(1, "x")
	rec.AddString(99, "bad")

	_, err := Encode(rec, schema)
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
}

func TestDecode_UnknownFieldNumber(t *testing.T) {
	schema := eventSchema(t)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "x")
	b = protowire.AppendTag(b, 50, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	_, err := Decode(b, schema)
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
}

func TestDecode_WireTypeMismatch(t *testing.T) {
	schema := eventSchema(t)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	_, err := Decode(b, schema)
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
}

func TestDecode_Truncated(t *testing.T) {
	schema := eventSchema(t)

	rec := types.NewRecord()
	rec.AddString(1, "truncate me")
	data, err := Encode(rec, schema)
	require.NoError(t, err)

	_, err = Decode(data[:len(data)-3], schema)
	assert.True(t, errors.Is(err, rserrors.ErrCorruptRecord))
}

func TestDecode_MissingRequired(t *testing.T) {
	schema := eventSchema(t)

	_, err := Decode(nil, schema)
	assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch))
}

func TestFromJSON(t *testing.T) {
	schema := eventSchema(t)

	rec, err := FromJSON([]byte(`{
		"__id": "0000000042424242",
		"name": "view",
		"count": 3,
		"seen": false,
		"at": "2024-03-01T12:00:00Z",
		"tags": [{"key": "a", "weight": 1.5}, {"key": "b"}],
		"labels": "solo",
		"total": null
	}`), schema)
	require.NoError(t, err)

	want := types.NewRecord()
	want.AddString(1, "view")
	want.AddUInt32(2, 3)
	want.AddBool(3, false)
	want.AddTime(5, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	tag := want.AddObject(6)
	tag.AddString(1, "a")
	tag.AddDouble(2, 1.5)
	want.AddObject(6).AddString(1, "b")
	want.AddString(7, "solo")

	assert.True(t, want.Equal(rec), "want %s\ngot  %s", want, rec)
}

func TestFromJSON_Errors(t *testing.T) {
	schema := eventSchema(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"name": "x", "nope": 1}`},
		{"wrong scalar type", `{"name": 5}`},
		{"array on non-repeated", `{"name": ["a", "b"]}`},
		{"uint32 overflow", `{"name": "x", "count": 5000000000}`},
		{"object expected", `{"name": "x", "tags": ["a"]}`},
		{"missing required", `{"count": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON([]byte(tt.doc), schema)
			assert.True(t, errors.Is(err, rserrors.ErrSchemaMismatch), "got %v", err)
		})
	}
}

func TestToJSON(t *testing.T) {
	schema := eventSchema(t)

	rec := types.NewRecord()
	rec.AddString(7, "l1")
	rec.AddString(1, "say \"hi\"")
	rec.AddUInt32(2, 9)
	rec.AddObject(6).AddString(1, "k")

	out, err := ToJSON(rec, schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"say \"hi\"","count":9,"tags":[{"key":"k"}],"labels":["l1"]}`, string(out))

	back, err := FromJSON(out, schema)
	require.NoError(t, err)
	assert.True(t, types.Canonicalize(rec, schema).Equal(back))
}
