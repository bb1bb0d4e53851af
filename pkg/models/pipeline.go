package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxPipelineKeyLength keeps keys within Kafka's topic name limit
const maxPipelineKeyLength = 249

// PipelineKey names one durable log and its consumer group
type PipelineKey string

// String implements fmt.Stringer
func (k PipelineKey) String() string {
	return string(k)
}

// Pipeline is the (source collection, target) pair jobs are serialised on
type Pipeline struct {
	Source ExportSource `bson:"source" json:"source"`
	Target ExportTarget `bson:"target" json:"target"`
}

// Key derives the pipeline key. The readable part is restricted to
// [A-Za-z0-9._-]; the digest suffix keeps keys distinct when two tuples
// sanitise to the same text.
func (p Pipeline) Key() PipelineKey {
	parts := []string{p.Source.Name, p.Source.Database, p.Source.Collection, p.Target.Name}

	digest := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	suffix := hex.EncodeToString(digest[:])[:12]

	readable := make([]string, 0, len(parts)+1)
	readable = append(readable, "exports")
	for _, part := range parts {
		readable = append(readable, sanitizeKeyPart(part))
	}

	key := strings.Join(readable, ".")
	if limit := maxPipelineKeyLength - len(suffix) - 1; len(key) > limit {
		key = key[:limit]
	}
	return PipelineKey(key + "." + suffix)
}

func sanitizeKeyPart(part string) string {
	var b strings.Builder
	b.Grow(len(part))
	for _, r := range part {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
