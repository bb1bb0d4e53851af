package models

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineKey(t *testing.T) {
	base := Pipeline{
		Source: ExportSource{Name: "s1", Database: "db", Collection: "orders"},
		Target: ExportTarget{Name: "t1"},
	}

	key := base.Key()
	assert.True(t, strings.HasPrefix(key.String(), "exports.s1.db.orders.t1."))
	assert.Equal(t, key, base.Key(), "key must be deterministic")

	valid := regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

	tests := []struct {
		name  string
		other Pipeline
	}{
		{"different collection", Pipeline{Source: ExportSource{Name: "s1", Database: "db", Collection: "users"}, Target: base.Target}},
		{"different target", Pipeline{Source: base.Source, Target: ExportTarget{Name: "t2"}}},
		{"sanitised collision", Pipeline{Source: ExportSource{Name: "s1", Database: "db", Collection: "orders"}, Target: ExportTarget{Name: "t:1"}}},
		{"dotted collection", Pipeline{Source: ExportSource{Name: "s1", Database: "db", Collection: "orders.2024"}, Target: base.Target}},
		{"very long", Pipeline{Source: ExportSource{Name: "s1", Database: "db", Collection: strings.Repeat("c", 400)}, Target: base.Target}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := tt.other.Key()
			assert.NotEqual(t, key, other)
			assert.Regexp(t, valid, other.String())
			assert.LessOrEqual(t, len(other), maxPipelineKeyLength)
		})
	}
}

func TestWindowContains(t *testing.T) {
	begin := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := begin.Add(time.Hour)
	w := Window{Begin: begin, End: end}

	assert.False(t, w.Contains(begin), "begin is exclusive")
	assert.True(t, w.Contains(begin.Add(time.Millisecond)))
	assert.True(t, w.Contains(end), "end is inclusive")
	assert.False(t, w.Contains(end.Add(time.Millisecond)))
}

func TestExportClone(t *testing.T) {
	job := &Export{Transaction: "tx", Status: StatusError, Error: &ExportError{Message: "boom"}}
	clone := job.Clone()
	clone.Error.Message = "changed"
	assert.Equal(t, "boom", job.Error.Message)
	assert.True(t, job.Status.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}
