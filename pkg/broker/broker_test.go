package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/models"
)

const testKey = models.PipelineKey("exports.mongo.shop.orders.bq.0123456789ab")

func TestMemoryDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	defer log.Close()

	require.NoError(t, log.Ensure(ctx, testKey))
	for _, tx := range []string{"t1", "t2", "t3"} {
		_, err := log.Append(ctx, testKey, tx)
		require.NoError(t, err)
	}

	var got []string
	for i := 0; i < 3; i++ {
		entry, err := log.Claim(ctx, testKey)
		require.NoError(t, err)
		got = append(got, entry.Transaction)
		require.NoError(t, log.Ack(ctx, testKey, entry))
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, got)
	assert.Empty(t, log.Pending(testKey))
}

func TestMemoryRedeliversUnacknowledged(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	defer log.Close()

	_, err := log.Append(ctx, testKey, "t1")
	require.NoError(t, err)

	first, err := log.Claim(ctx, testKey)
	require.NoError(t, err)

	// Consumer dies before acknowledging.
	log.Requeue(testKey)

	again, err := log.Claim(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, log.Ack(ctx, testKey, again))
	log.Requeue(testKey)

	claimCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = log.Claim(claimCtx, testKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryClaimBlocksUntilAppend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := NewMemory()
	defer log.Close()

	claimed := make(chan Entry, 1)
	go func() {
		entry, err := log.Claim(ctx, testKey)
		if err == nil {
			claimed <- entry
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := log.Append(ctx, testKey, "late")
	require.NoError(t, err)

	select {
	case entry := <-claimed:
		assert.Equal(t, "late", entry.Transaction)
	case <-ctx.Done():
		t.Fatal("claim did not observe append")
	}
}

func TestMemoryEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()

	require.NoError(t, log.Ensure(ctx, testKey))
	_, err := log.Append(ctx, testKey, "t1")
	require.NoError(t, err)
	require.NoError(t, log.Ensure(ctx, testKey))
	assert.Len(t, log.Pending(testKey), 1)

	require.NoError(t, log.Close())
	assert.ErrorIs(t, log.Ensure(ctx, testKey), ErrClosed)
	_, err = log.Claim(ctx, testKey)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryPipelinesAreIndependent(t *testing.T) {
	ctx := context.Background()
	log := NewMemory()
	other := models.PipelineKey("exports.other")

	_, err := log.Append(ctx, testKey, "a")
	require.NoError(t, err)
	_, err = log.Append(ctx, other, "b")
	require.NoError(t, err)

	entry, err := log.Claim(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "b", entry.Transaction)
	assert.Len(t, log.Pending(testKey), 1)
}

func TestPayloadRoundTrip(t *testing.T) {
	value, err := encodeEntry("abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"transaction":"abc"}`, string(value))
	assert.Equal(t, "abc", decodeTransaction(value))
	assert.Equal(t, "raw", decodeTransaction([]byte("raw")))
}

func TestBuildSaramaConfig(t *testing.T) {
	config, err := buildSaramaConfig(KafkaConfig{
		ClientID:       "quasar",
		SessionTimeout: 30 * time.Second,
		Version:        "2.8.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "quasar", config.ClientID)
	assert.Equal(t, sarama.V2_8_0_0, config.Version)
	assert.False(t, config.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.OffsetOldest, config.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	assert.Equal(t, 10*time.Second, config.Consumer.Group.Heartbeat.Interval)
	require.NoError(t, config.Validate())

	_, err = buildSaramaConfig(KafkaConfig{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestTopicExists(t *testing.T) {
	assert.True(t, topicExists(sarama.ErrTopicAlreadyExists))
	assert.True(t, topicExists(&sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}))
	assert.False(t, topicExists(errors.New("boom")))
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaConfig{}, nil)
	assert.Error(t, err)
}
