package store

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// namespaceExists is the server error code for an existing collection
const namespaceExists = 48

// MongoConfig locates the metadata database
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Mongo keeps jobs and connection profiles in a MongoDB database. It
// implements both Repository and Profiles.
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
	logger   *zap.Logger
}

// NewMongo connects to the metadata database
func NewMongo(ctx context.Context, config MongoConfig, logger *zap.Logger) (*Mongo, error) {
	clientOpts := options.Client().ApplyURI(config.URI)
	if config.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(config.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to metadata store")
	}

	// Test connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping metadata store")
	}

	logger.Info("connected to metadata store", zap.String("database", config.Database))

	return &Mongo{
		client:   client,
		database: client.Database(config.Database),
		logger:   logger.With(zap.String("component", "metadata_store")),
	}, nil
}

// Migrate creates the collections and the indexes the store relies on
func (m *Mongo) Migrate(ctx context.Context) error {
	for _, name := range []string{SourcesCollection, TargetsCollection, ExportsCollection} {
		err := m.database.CreateCollection(ctx, name)
		var cmdErr mongo.CommandError
		if err != nil && !(stderrors.As(err, &cmdErr) && cmdErr.Code == namespaceExists) {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create collection").
				WithDetail("collection", name)
		}
	}

	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		ExportsCollection: {
			{
				Keys: bson.D{
					{Key: "transaction", Value: 1},
					{Key: "source.name", Value: 1},
					{Key: "source.database", Value: 1},
					{Key: "source.collection", Value: 1},
					{Key: "target.name", Value: 1},
				},
				Options: options.Index().SetUnique(true).SetName("export_identity"),
			},
			{
				Keys: bson.D{
					{Key: "source.name", Value: 1},
					{Key: "source.database", Value: 1},
					{Key: "source.collection", Value: 1},
					{Key: "target.name", Value: 1},
					{Key: "status", Value: 1},
					{Key: "window.end", Value: -1},
				},
				Options: options.Index().SetName("export_pipeline_status"),
			},
		},
		SourcesCollection: {{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique}},
		TargetsCollection: {{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique}},
	}

	for collection, specs := range indexes {
		if _, err := m.database.Collection(collection).Indexes().CreateMany(ctx, specs); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create indexes").
				WithDetail("collection", collection)
		}
	}

	m.logger.Info("metadata store migrated")
	return nil
}

func identity(job *models.Export) bson.D {
	return bson.D{
		{Key: "transaction", Value: job.Transaction},
		{Key: "source.name", Value: job.Source.Name},
		{Key: "source.database", Value: job.Source.Database},
		{Key: "source.collection", Value: job.Source.Collection},
		{Key: "target.name", Value: job.Target.Name},
	}
}

func pipelineFilter(pipeline models.Pipeline) bson.D {
	return bson.D{
		{Key: "source.name", Value: pipeline.Source.Name},
		{Key: "source.database", Value: pipeline.Source.Database},
		{Key: "source.collection", Value: pipeline.Source.Collection},
		{Key: "target.name", Value: pipeline.Target.Name},
	}
}

func findFilter(filter Filter) bson.D {
	fields := []struct{ key, value string }{
		{"transaction", filter.Transaction},
		{"status", string(filter.Status)},
		{"source.name", filter.Source},
		{"source.database", filter.Database},
		{"source.collection", filter.Collection},
		{"target.name", filter.Target},
	}

	query := bson.D{}
	for _, field := range fields {
		if field.value != "" {
			query = append(query, bson.E{Key: field.key, Value: field.value})
		}
	}
	return query
}

// Save implements Repository
func (m *Mongo) Save(ctx context.Context, job *models.Export) error {
	_, err := m.database.Collection(ExportsCollection).
		ReplaceOne(ctx, identity(job), job, options.Replace().SetUpsert(true))
	return err
}

// Get implements Repository
func (m *Mongo) Get(ctx context.Context, transaction string) (*models.Export, error) {
	var job models.Export
	err := m.database.Collection(ExportsCollection).
		FindOne(ctx, bson.D{{Key: "transaction", Value: transaction}}).
		Decode(&job)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.New(errors.ErrorTypeNotFound, "export not found").
			WithDetail("transaction", transaction)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LatestSuccessfulEnd implements Repository
func (m *Mongo) LatestSuccessfulEnd(ctx context.Context, pipeline models.Pipeline) (time.Time, bool, error) {
	match := append(pipelineFilter(pipeline), bson.E{Key: "status", Value: models.StatusSuccess})

	cursor, err := m.database.Collection(ExportsCollection).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "end", Value: bson.D{{Key: "$max", Value: "$window.end"}}},
		}}},
	})
	if err != nil {
		return time.Time{}, false, err
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	if !cursor.Next(ctx) {
		return time.Time{}, false, cursor.Err()
	}

	var result struct {
		End time.Time `bson:"end"`
	}
	if err := cursor.Decode(&result); err != nil {
		return time.Time{}, false, err
	}
	return result.End, true, nil
}

// PendingPipelines implements Repository
func (m *Mongo) PendingPipelines(ctx context.Context) ([]models.Pipeline, error) {
	cursor, err := m.database.Collection(ExportsCollection).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "status", Value: models.StatusPending}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "source", Value: "$source"},
				{Key: "target", Value: "$target"},
			}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	var pipelines []models.Pipeline
	for cursor.Next(ctx) {
		var result struct {
			ID models.Pipeline `bson:"_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, err
		}
		pipelines = append(pipelines, result.ID)
	}
	return pipelines, cursor.Err()
}

// Find implements Repository
func (m *Mongo) Find(ctx context.Context, filter Filter, fn func(job *models.Export) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "window.end", Value: 1}})

	cursor, err := m.database.Collection(ExportsCollection).Find(ctx, findFilter(filter), opts)
	if err != nil {
		return err
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	for cursor.Next(ctx) {
		var job models.Export
		if err := cursor.Decode(&job); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode export")
		}
		if err := fn(&job); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Source implements Profiles
func (m *Mongo) Source(ctx context.Context, name string) (models.SourceProfile, error) {
	var profile models.SourceProfile
	err := m.profile(ctx, SourcesCollection, name, &profile)
	return profile, err
}

// Target implements Profiles
func (m *Mongo) Target(ctx context.Context, name string) (models.TargetProfile, error) {
	var profile models.TargetProfile
	err := m.profile(ctx, TargetsCollection, name, &profile)
	return profile, err
}

func (m *Mongo) profile(ctx context.Context, collection, name string, out interface{}) error {
	err := m.database.Collection(collection).
		FindOne(ctx, bson.D{{Key: "name", Value: name}}).
		Decode(out)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return errors.Newf(errors.ErrorTypeNotFound, "%s profile %q not found", collection, name)
	}
	return err
}

// Close disconnects from the metadata database
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
