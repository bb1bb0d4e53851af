// Package broker provides the durable ordered logs that carry export job
// references from registration to the pipeline loops.
//
// Each pipeline key names one log and one consumer group bound to it.
// Delivery is at-least-once: an entry that was claimed but never
// acknowledged is delivered again after the consumer fails or rejoins.
package broker

import (
	"context"
	"errors"

	jsonpool "github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// ErrClosed is returned by operations on a closed log
var ErrClosed = errors.New("broker: log is closed")

// Entry is one log record referencing an export job
type Entry struct {
	// ID is the position of the entry in its log
	ID          string
	Transaction string
}

// Log is the broker surface used by the dispatcher
type Log interface {
	// Ensure creates the log and its consumer group unless they exist
	Ensure(ctx context.Context, key models.PipelineKey) error
	// Append adds an entry referencing transaction and returns it
	Append(ctx context.Context, key models.PipelineKey, transaction string) (Entry, error)
	// Claim blocks until the group's next unclaimed entry is available
	Claim(ctx context.Context, key models.PipelineKey) (Entry, error)
	// Ack acknowledges a claimed entry so it is never delivered again
	Ack(ctx context.Context, key models.PipelineKey, entry Entry) error
	Close() error
}

type payload struct {
	Transaction string `json:"transaction"`
}

func encodeEntry(transaction string) ([]byte, error) {
	return jsonpool.Marshal(payload{Transaction: transaction})
}

// decodeTransaction reads the referenced transaction; undecodable
// payloads are passed through verbatim so the consumer can report them.
func decodeTransaction(value []byte) string {
	var p payload
	if err := jsonpool.Unmarshal(value, &p); err != nil || p.Transaction == "" {
		return string(value)
	}
	return p.Transaction
}
