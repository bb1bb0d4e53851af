package source

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/rowcodec"
)

// Memory is an in-process document store applying the same window rule
// as WindowFilter
type Memory struct {
	mu          sync.Mutex
	collections map[string][]bson.M

	// OpenErr, when set, fails Open
	OpenErr func(profile models.SourceProfile) error
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]bson.M)}
}

// Put inserts docs, replacing documents with the same "_id"
func (m *Memory) Put(database, collection string, docs ...bson.M) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := database + "/" + collection
	for _, doc := range docs {
		replaced := false
		for i, existing := range m.collections[key] {
			if existing["_id"] == doc["_id"] {
				m.collections[key][i] = doc
				replaced = true
				break
			}
		}
		if !replaced {
			m.collections[key] = append(m.collections[key], doc)
		}
	}
}

// Open implements Opener
func (m *Memory) Open(_ context.Context, profile models.SourceProfile, src models.ExportSource) (Reader, error) {
	if m.OpenErr != nil {
		if err := m.OpenErr(profile); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to source")
		}
	}
	return &memoryReader{store: m, key: src.Database + "/" + src.Collection}, nil
}

type memoryReader struct {
	store *Memory
	key   string
}

func (r *memoryReader) matching(stamps models.Stamps, window models.Window) []bson.M {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []bson.M
	for _, doc := range r.store.collections[r.key] {
		if window.Contains(effectiveTime(doc, stamps, window.End)) {
			out = append(out, doc)
		}
	}
	return out
}

func (r *memoryReader) Count(_ context.Context, stamps models.Stamps, window models.Window) (int64, error) {
	return int64(len(r.matching(stamps, window))), nil
}

func (r *memoryReader) Each(ctx context.Context, stamps models.Stamps, window models.Window, fn func(doc bson.M) error) error {
	for _, doc := range r.matching(stamps, window) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryReader) Close(context.Context) error {
	return nil
}

func effectiveTime(doc bson.M, stamps models.Stamps, fallback time.Time) time.Time {
	if t, ok := rowcodec.EffectiveTime(doc, stamps); ok {
		return t
	}
	return fallback
}
