package source

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// MongoOpener opens readers on MongoDB clusters
type MongoOpener struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Open implements Opener
func (o MongoOpener) Open(ctx context.Context, profile models.SourceProfile, src models.ExportSource) (Reader, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create MongoDB client
	clientOpts := options.Client().ApplyURI(profile.URI)
	if o.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(o.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to source").
			WithDetail("source", profile.Name)
	}

	// Test connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx)) // Best effort disconnect
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping source").
			WithDetail("source", profile.Name)
	}

	return &MongoReader{
		client:     client,
		collection: client.Database(src.Database).Collection(src.Collection),
		logger: logger.With(
			zap.String("component", "source"),
			zap.String("source", src.String())),
	}, nil
}

// MongoReader reads one collection
type MongoReader struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// Count implements Reader
func (r *MongoReader) Count(ctx context.Context, stamps models.Stamps, window models.Window) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, WindowFilter(stamps, window))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count source documents")
	}
	return count, nil
}

// Each implements Reader
func (r *MongoReader) Each(ctx context.Context, stamps models.Stamps, window models.Window, fn func(doc bson.M) error) error {
	opts := options.Find()
	if stamps.Limit > 0 {
		opts.SetBatchSize(int32(stamps.Limit)) //nolint:gosec // limit validated at registration
	}

	cursor, err := r.collection.Find(ctx, WindowFilter(stamps, window), opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to open source cursor")
	}
	defer func() {
		if err := cursor.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to close source cursor", zap.Error(err))
		}
	}()

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode source document")
		}
		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "source cursor failed")
	}
	return nil
}

// Close implements Reader
func (r *MongoReader) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
