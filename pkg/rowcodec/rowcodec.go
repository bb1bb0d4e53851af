// Package rowcodec turns source documents into warehouse rows.
//
// Encoding is pure: the input document is never modified, and the same
// document content always yields the same payload and hash, which is the
// only signal the warehouse merge uses to skip unchanged versions.
package rowcodec

import (
	"crypto/md5" //nolint:gosec // content digest for dedup, not a security primitive
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/quasar/pkg/errors"
	jsonpool "github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// EmptyKey replaces object keys that are empty or whitespace only
const EmptyKey = "__empty__"

// timeLayout matches the millisecond precision of BSON dates
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Encode converts doc into a warehouse row. captureTime is used as the
// insert timestamp when the document carries no usable time.
func Encode(doc map[string]interface{}, stamps models.Stamps, captureTime time.Time) (models.Row, error) {
	rawID, ok := doc[stamps.ID]
	if !ok || rawID == nil {
		return models.Row{}, errors.Newf(errors.ErrorTypeData, "document has no %q field", stamps.ID)
	}

	id, err := StringifyID(rawID)
	if err != nil {
		return models.Row{}, err
	}

	insert, ok := EffectiveTime(doc, stamps)
	if !ok {
		insert = captureTime
	}

	data, err := Canonical(doc)
	if err != nil {
		return models.Row{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode document").
			WithDetail("id", id)
	}

	return models.Row{
		ID:     id,
		Insert: insert.UTC(),
		Data:   string(data),
		Hash:   Hash(data),
	}, nil
}

// Canonical returns the normalised JSON payload of doc
func Canonical(doc interface{}) ([]byte, error) {
	return jsonpool.MarshalCanonical(Normalize(doc))
}

// Hash returns the hex md5 digest of data
func Hash(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// StringifyID renders a document identifier as text
func StringifyID(v interface{}) (string, error) {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex(), nil
	case string:
		return id, nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case int:
		return strconv.Itoa(id), nil
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	case primitive.Decimal128:
		return id.String(), nil
	case primitive.Binary:
		return hex.EncodeToString(id.Data), nil
	case nil:
		return "", errors.New(errors.ErrorTypeData, "document identifier is null")
	default:
		data, err := Canonical(id)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeData, "failed to stringify document identifier")
		}
		return string(data), nil
	}
}

// DatePattern is the only string form read as a point in time: an ISO 8601
// date, optionally followed by a time with seconds, an optional fraction
// and an optional zone. A missing zone means UTC.
const DatePattern = `^[0-9]{4}-[0-9]{2}-[0-9]{2}(T[0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]+)?(Z|[+-][0-9]{2}:[0-9]{2})?)?$`

var (
	dateString  = regexp.MustCompile(DatePattern)
	dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}
)

// EffectiveTime returns the latest of the update stamp, the insert stamp
// and the identifier, each read with AsTime. ok is false when none of
// them is usable.
func EffectiveTime(doc map[string]interface{}, stamps models.Stamps) (time.Time, bool) {
	var (
		latest time.Time
		found  bool
	)

	for _, field := range []string{stamps.Update, stamps.Insert, stamps.ID} {
		t, ok := AsTime(doc[field])
		if !ok {
			continue
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}

	return latest.UTC(), found
}

// AsTime reads v the way a MongoDB {$convert: {to: "date"}} with a null
// onError does, restricted to DatePattern for strings:
//
//	date, time.Time         as is, millisecond precision
//	ObjectID                its embedded timestamp
//	BSON timestamp          seconds since epoch
//	long, double, decimal   milliseconds since epoch, truncated
//	string                  DatePattern only
//
// Anything else, including 32-bit integers, is not a time. Go ints are
// treated as the driver stores them: int32 when they fit, long otherwise.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.Truncate(time.Millisecond), true
	case primitive.DateTime:
		return t.Time(), true
	case primitive.ObjectID:
		return t.Timestamp(), true
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0), true
	case int64:
		return time.UnixMilli(t), true
	case int:
		if t >= math.MinInt32 && t <= math.MaxInt32 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)), true
	case float64:
		return fromMillis(t)
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return time.Time{}, false
		}
		return fromMillis(f)
	case string:
		return parseDate(t)
	default:
		return time.Time{}, false
	}
}

func fromMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || math.Abs(ms) > math.MaxInt64 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(math.Trunc(ms))), true
}

func parseDate(s string) (time.Time, bool) {
	if !dateString.MatchString(s) {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.Truncate(time.Millisecond), true
		}
	}
	return time.Time{}, false
}

// Normalize returns a JSON-ready copy of v: BSON values become their JSON
// text, documents become maps, and empty or whitespace-only keys are
// replaced by EmptyKey at every depth.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[normalizeKey(e.Key)] = Normalize(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(val)
	case map[string]interface{}:
		return normalizeMap(val)
	case bson.A:
		return normalizeSlice(val)
	case []interface{}:
		return normalizeSlice(val)
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeMap(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format(timeLayout)
	case time.Time:
		return val.UTC().Format(timeLayout)
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC().Format(timeLayout)
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return val.Data
	case primitive.Regex:
		return fmt.Sprintf("/%s/%s", val.Pattern, val.Options)
	case primitive.JavaScript:
		return string(val)
	case primitive.Symbol:
		return string(val)
	case primitive.Null, primitive.Undefined, primitive.MinKey, primitive.MaxKey:
		return nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil
		}
		return val
	default:
		return val
	}
}

// normalizeMap visits keys in sorted order so that colliding keys such
// as "" and " " resolve the same way on every run.
func normalizeMap(m map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(m))
	for _, k := range keys {
		out[normalizeKey(k)] = Normalize(m[k])
	}
	return out
}

func normalizeSlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	for i, item := range s {
		out[i] = Normalize(item)
	}
	return out
}

func normalizeKey(k string) string {
	if strings.TrimSpace(k) == "" {
		return EmptyKey
	}
	return k
}
