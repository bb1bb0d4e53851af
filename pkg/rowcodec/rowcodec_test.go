package rowcodec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

var defaultStamps = models.Stamps{ID: "_id", Insert: "createdAt", Update: "updatedAt", Limit: 500}

func TestEncodeDeterministic(t *testing.T) {
	oid := primitive.NewObjectIDFromTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	capture := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	doc := bson.M{
		"_id":   oid,
		"total": 42.5,
		"items": bson.A{bson.D{{Key: "sku", Value: "a"}, {Key: "", Value: 1}}},
		"meta":  bson.M{"b": true, "a": nil},
	}

	first, err := Encode(doc, defaultStamps, capture)
	require.NoError(t, err)
	second, err := Encode(doc, defaultStamps, capture)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, oid.Hex(), first.ID)
	assert.Len(t, first.Hash, 32)
	assert.Equal(t, Hash([]byte(first.Data)), first.Hash)

	// Same content built in another key order hashes identically.
	reordered := bson.M{
		"meta":  bson.M{"a": nil, "b": true},
		"items": bson.A{bson.D{{Key: "sku", Value: "a"}, {Key: "", Value: 1}}},
		"total": 42.5,
		"_id":   oid,
	}
	third, err := Encode(reordered, defaultStamps, capture)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, third.Hash)
}

func TestEncodeChangedContentChangesHash(t *testing.T) {
	capture := time.Now()
	a, err := Encode(bson.M{"_id": "x", "v": 1}, defaultStamps, capture)
	require.NoError(t, err)
	b, err := Encode(bson.M{"_id": "x", "v": 2}, defaultStamps, capture)
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	nested := bson.M{"": "blank", "ok": 1}
	doc := bson.M{"_id": "1", " ": "space", "nested": nested}

	row, err := Encode(doc, defaultStamps, time.Now())
	require.NoError(t, err)

	assert.Contains(t, doc, " ")
	assert.Contains(t, nested, "")
	assert.NotContains(t, doc, EmptyKey)
	assert.JSONEq(t, `{"__empty__":"space","_id":"1","nested":{"__empty__":"blank","ok":1}}`, row.Data)
}

func TestEncodeMissingID(t *testing.T) {
	_, err := Encode(bson.M{"name": "no id"}, defaultStamps, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	_, err = Encode(bson.M{"_id": nil}, defaultStamps, time.Now())
	assert.Error(t, err)
}

func TestEncodeInsertTimestamp(t *testing.T) {
	capture := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	oidTime := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	oid := primitive.NewObjectIDFromTimestamp(oidTime)

	tests := []struct {
		name string
		doc  bson.M
		want time.Time
	}{
		{
			name: "update stamp wins when latest",
			doc:  bson.M{"_id": oid, "createdAt": primitive.NewDateTimeFromTime(created), "updatedAt": primitive.NewDateTimeFromTime(updated)},
			want: updated,
		},
		{
			name: "insert stamp",
			doc:  bson.M{"_id": oid, "createdAt": created},
			want: created,
		},
		{
			name: "identifier timestamp",
			doc:  bson.M{"_id": oid},
			want: oidTime,
		},
		{
			name: "hex string identifier carries no time",
			doc:  bson.M{"_id": oid.Hex()},
			want: capture,
		},
		{
			name: "epoch milliseconds stamp",
			doc:  bson.M{"_id": oid, "updatedAt": updated.UnixMilli()},
			want: updated,
		},
		{
			name: "string stamp parsed",
			doc:  bson.M{"_id": 7, "updatedAt": "2024-02-01T00:00:00Z"},
			want: updated,
		},
		{
			name: "capture time fallback",
			doc:  bson.M{"_id": "plain", "updatedAt": "not a date"},
			want: capture,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := Encode(tt.doc, defaultStamps, capture)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(row.Insert), "want %s, got %s", tt.want, row.Insert)
		})
	}
}

func TestAsTime(t *testing.T) {
	at := time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC)
	ms := at.UnixMilli()
	dec, err := primitive.ParseDecimal128("1706783400000.9")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value interface{}
		want  time.Time
		ok    bool
	}{
		{"date", primitive.NewDateTimeFromTime(at), at, true},
		{"go time", at.Add(123456 * time.Nanosecond), at, true},
		{"zero go time", time.Time{}, time.Time{}, false},
		{"object id", primitive.NewObjectIDFromTimestamp(at), at, true},
		{"bson timestamp", primitive.Timestamp{T: uint32(at.Unix())}, at, true},
		{"long milliseconds", ms, at, true},
		{"large int milliseconds", int(ms), at, true},
		{"small int", 7, time.Time{}, false},
		{"int32", int32(7), time.Time{}, false},
		{"double milliseconds truncated", float64(ms) + 0.9, at, true},
		{"double NaN", math.NaN(), time.Time{}, false},
		{"decimal milliseconds truncated", dec, at, true},
		{"rfc3339 string", "2024-02-01T10:30:00Z", at, true},
		{"offset string", "2024-02-01T11:30:00+01:00", at, true},
		{"fractional string", "2024-02-01T10:30:00.0009Z", at, true},
		{"zoneless string is UTC", "2024-02-01T10:30:00", at, true},
		{"date only string", "2024-02-01", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), true},
		{"free form string", "Feb 1 2024", time.Time{}, false},
		{"hex object id string", primitive.NewObjectIDFromTimestamp(at).Hex(), time.Time{}, false},
		{"bool", true, time.Time{}, false},
		{"null", nil, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsTime(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEncodeMillisecondStampVersions(t *testing.T) {
	oid := primitive.NewObjectIDFromTimestamp(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	first := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	capture := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	v1, err := Encode(bson.M{"_id": oid, "updatedAt": first.UnixMilli(), "status": "old"}, defaultStamps, capture)
	require.NoError(t, err)
	v2, err := Encode(bson.M{"_id": oid, "updatedAt": second.UnixMilli(), "status": "new"}, defaultStamps, capture)
	require.NoError(t, err)

	assert.True(t, first.Equal(v1.Insert))
	assert.True(t, second.Equal(v2.Insert))
	assert.True(t, v2.Insert.After(v1.Insert))
}

func TestStringifyID(t *testing.T) {
	oid := primitive.NewObjectID()
	tests := []struct {
		in   interface{}
		want string
	}{
		{oid, oid.Hex()},
		{"abc", "abc"},
		{int32(7), "7"},
		{int64(9000000000), "9000000000"},
		{1.5, "1.5"},
		{bson.M{"k": 1}, `{"k":1}`},
	}
	for _, tt := range tests {
		got, err := StringifyID(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalize(t *testing.T) {
	when := time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)
	dec, err := primitive.ParseDecimal128("12.50")
	require.NoError(t, err)

	out := Normalize(bson.M{
		"date":  primitive.NewDateTimeFromTime(when),
		"dec":   dec,
		"nan":   math.NaN(),
		"null":  primitive.Null{},
		"regex": primitive.Regex{Pattern: "^a", Options: "i"},
		"list":  bson.A{bson.D{{Key: "\t", Value: 1}}},
	})

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2024-05-06T07:08:09.123Z", m["date"])
	assert.Equal(t, "12.50", m["dec"])
	assert.Nil(t, m["nan"])
	assert.Nil(t, m["null"])
	assert.Equal(t, "/^a/i", m["regex"])
	assert.Equal(t, []interface{}{map[string]interface{}{EmptyKey: 1}}, m["list"])
}
