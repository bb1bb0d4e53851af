package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	quasarerrors "github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// KafkaConfig configures the Kafka log
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	// ConsumerName is the client id pipeline consumers join their group with
	ConsumerName      string
	SessionTimeout    time.Duration
	ReplicationFactor int16
	Version           string
}

// Kafka implements Log with one single-partition topic per pipeline key.
// The consumer group id equals the topic name; offsets are committed
// only when an entry is acknowledged.
type Kafka struct {
	config   KafkaConfig
	sarama   *sarama.Config
	admin    sarama.ClusterAdmin
	producer sarama.SyncProducer
	logger   *zap.Logger

	mu        sync.Mutex
	ensured   map[models.PipelineKey]bool
	consumers map[models.PipelineKey]*groupConsumer
	closed    bool
}

// NewKafka connects to the cluster
func NewKafka(config KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, quasarerrors.New(quasarerrors.ErrorTypeConfig, "no kafka brokers configured")
	}
	if config.ReplicationFactor < 1 {
		config.ReplicationFactor = 1
	}

	saramaConfig, err := buildSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	// Create Kafka client
	client, err := sarama.NewClient(config.Brokers, saramaConfig)
	if err != nil {
		return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create Kafka client")
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create sync producer")
	}

	// The admin owns the client and closes it on Close.
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create cluster admin")
	}

	logger = logger.With(zap.String("component", "kafka_log"))
	logger.Info("connected to Kafka", zap.Strings("brokers", config.Brokers))

	return &Kafka{
		config:    config,
		sarama:    saramaConfig,
		admin:     admin,
		producer:  producer,
		logger:    logger,
		ensured:   make(map[models.PipelineKey]bool),
		consumers: make(map[models.PipelineKey]*groupConsumer),
	}, nil
}

func buildSaramaConfig(cfg KafkaConfig) (*sarama.Config, error) {
	config := sarama.NewConfig()

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConfig, "invalid kafka version")
		}
		config.Version = version
	}
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	// Consumer settings
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = false
	if cfg.SessionTimeout > 0 {
		config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
		config.Consumer.Group.Heartbeat.Interval = cfg.SessionTimeout / 3
	}

	return config, nil
}

// Ensure implements Log
func (k *Kafka) Ensure(_ context.Context, key models.PipelineKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}
	if k.ensured[key] {
		return nil
	}

	err := k.admin.CreateTopic(key.String(), &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: k.config.ReplicationFactor,
	}, false)
	if err != nil && !topicExists(err) {
		return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create topic").
			WithDetail("topic", key.String())
	}

	k.ensured[key] = true
	k.logger.Debug("pipeline log ready", zap.String("topic", key.String()))
	return nil
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

// Append implements Log
func (k *Kafka) Append(ctx context.Context, key models.PipelineKey, transaction string) (Entry, error) {
	if err := k.Ensure(ctx, key); err != nil {
		return Entry{}, err
	}

	value, err := encodeEntry(transaction)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode entry: %w", err)
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: key.String(),
		Key:   sarama.StringEncoder(transaction),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return Entry{}, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to append entry").
			WithDetail("topic", key.String())
	}

	return Entry{ID: entryID(partition, offset), Transaction: transaction}, nil
}

// Claim implements Log. The group consumer for key is started on first use.
func (k *Kafka) Claim(ctx context.Context, key models.PipelineKey) (Entry, error) {
	consumer, err := k.consumer(key)
	if err != nil {
		return Entry{}, err
	}
	return consumer.claim(ctx)
}

// Ack implements Log
func (k *Kafka) Ack(_ context.Context, key models.PipelineKey, entry Entry) error {
	k.mu.Lock()
	consumer, ok := k.consumers[key]
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("no consumer for pipeline %s", key)
	}
	if !consumer.ack(entry) {
		// Claimed under a session that has since been revoked; the entry
		// will be delivered again.
		k.logger.Warn("acknowledged entry no longer pending",
			zap.String("topic", key.String()),
			zap.String("entry", entry.ID))
	}
	return nil
}

// Close stops every consumer and closes the producer and the client
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	consumers := make([]*groupConsumer, 0, len(k.consumers))
	for _, c := range k.consumers {
		consumers = append(consumers, c)
	}
	k.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := k.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sync producer: %w", err))
	}
	if err := k.admin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Kafka client: %w", err))
	}

	k.logger.Info("Kafka log closed")
	return errors.Join(errs...)
}

func (k *Kafka) consumer(key models.PipelineKey) (*groupConsumer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}
	if c, ok := k.consumers[key]; ok {
		return c, nil
	}

	config := *k.sarama
	if k.config.ConsumerName != "" {
		config.ClientID = k.config.ConsumerName
	}

	// Consumer groups cannot share a client, so each gets its own.
	group, err := sarama.NewConsumerGroup(k.config.Brokers, key.String(), &config)
	if err != nil {
		return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create consumer group").
			WithDetail("group", key.String())
	}

	c := newGroupConsumer(key, group, k.logger)
	k.consumers[key] = c
	return c, nil
}

func entryID(partition int32, offset int64) string {
	return fmt.Sprintf("%d-%d", partition, offset)
}

// delivery is a message handed to Claim and waiting for its Ack
type delivery struct {
	entry Entry
	acked chan struct{}
	once  sync.Once
}

func (d *delivery) ack() {
	d.once.Do(func() { close(d.acked) })
}

// groupConsumer runs one consumer group session loop and hands messages
// to Claim one at a time.
type groupConsumer struct {
	key        models.PipelineKey
	group      sarama.ConsumerGroup
	deliveries chan *delivery
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]*delivery
}

func newGroupConsumer(key models.PipelineKey, group sarama.ConsumerGroup, logger *zap.Logger) *groupConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &groupConsumer{
		key:        key,
		group:      group,
		deliveries: make(chan *delivery),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With(zap.String("group", key.String())),
		pending:    make(map[string]*delivery),
	}
	go c.consume(ctx)
	return c
}

// consume rejoins the group after every rebalance until closed
func (c *groupConsumer) consume(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.group.Consume(ctx, []string{c.key.String()}, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("consumer group error", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *groupConsumer) claim(ctx context.Context) (Entry, error) {
	select {
	case d := <-c.deliveries:
		c.mu.Lock()
		c.pending[d.entry.ID] = d
		c.mu.Unlock()
		return d.entry, nil
	case <-c.done:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (c *groupConsumer) ack(entry Entry) bool {
	c.mu.Lock()
	d, ok := c.pending[entry.ID]
	delete(c.pending, entry.ID)
	c.mu.Unlock()

	if ok {
		d.ack()
	}
	return ok
}

func (c *groupConsumer) close() error {
	c.cancel()
	err := c.group.Close()
	<-c.done
	if err != nil {
		return fmt.Errorf("failed to close consumer group %s: %w", c.key, err)
	}
	return nil
}

// Setup implements sarama.ConsumerGroupHandler
func (c *groupConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (c *groupConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. The next message is
// not read until the current one is acknowledged, and its offset is
// committed only then.
func (c *groupConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			d := &delivery{
				entry: Entry{
					ID:          entryID(message.Partition, message.Offset),
					Transaction: decodeTransaction(message.Value),
				},
				acked: make(chan struct{}),
			}

			select {
			case c.deliveries <- d:
			case <-session.Context().Done():
				return nil
			}

			select {
			case <-d.acked:
				session.MarkMessage(message, "")
				session.Commit()
			case <-session.Context().Done():
				return nil
			}

		case <-session.Context().Done():
			return nil
		}
	}
}
