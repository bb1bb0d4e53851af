package warehouse

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	quasarerrors "github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/models"
)

// RowSchema is the four-column schema of main and staging tables
func RowSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: ColumnID, Type: bigquery.StringFieldType, Required: true},
		{Name: ColumnInsert, Type: bigquery.TimestampFieldType, Required: true},
		{Name: ColumnData, Type: bigquery.JSONFieldType, Required: true},
		{Name: ColumnHash, Type: bigquery.StringFieldType, Required: true},
	}
}

// BigQueryOpener opens BigQuery clients from target profiles
type BigQueryOpener struct {
	Logger *zap.Logger
}

// Open implements Opener. The profile credentials are a service account
// key; when they are empty, application default credentials are used.
func (o BigQueryOpener) Open(ctx context.Context, target models.TargetProfile) (Client, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []option.ClientOption
	projectID := target.ProjectID

	// Add credentials if provided
	if target.Credentials != "" {
		creds, err := google.CredentialsFromJSON(ctx, []byte(target.Credentials), bigquery.Scope)
		if err != nil {
			return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConfig, "invalid target credentials").
				WithDetail("target", target.Name)
		}
		if projectID == "" {
			projectID = creds.ProjectID
		}
		opts = append(opts, option.WithCredentials(creds))
	}

	if projectID == "" {
		return nil, quasarerrors.New(quasarerrors.ErrorTypeConfig, "target has no project id").
			WithDetail("target", target.Name)
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create BigQuery client")
	}

	return &BigQuery{
		client:   client,
		project:  projectID,
		location: target.Location,
		target:   target.Name,
		logger:   logger.With(zap.String("component", "bigquery"), zap.String("project", projectID)),
	}, nil
}

// BigQuery is a Client backed by cloud.google.com/go/bigquery
type BigQuery struct {
	client   *bigquery.Client
	project  string
	location string
	target   string
	logger   *zap.Logger
}

// Project implements Client
func (b *BigQuery) Project() string {
	return b.project
}

// EnsureTable implements Warehouse
func (b *BigQuery) EnsureTable(ctx context.Context, ref TableRef) error {
	dataset := b.client.DatasetInProject(b.projectOf(ref), ref.Dataset)

	// Check if dataset exists
	if _, err := dataset.Metadata(ctx); err != nil {
		if !isStatus(err, http.StatusNotFound) {
			return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to read dataset").
				WithDetail("dataset", ref.Dataset)
		}
		if err := dataset.Create(ctx, &bigquery.DatasetMetadata{
			Location: b.location,
		}); err != nil && !isStatus(err, http.StatusConflict) {
			return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create dataset").
				WithDetail("dataset", ref.Dataset)
		}
		b.logger.Info("dataset created", zap.String("dataset", ref.Dataset))
	}

	table := dataset.Table(ref.Table)
	_, err := table.Metadata(ctx)
	switch {
	case err == nil:
		return nil
	case !isStatus(err, http.StatusNotFound):
		return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to read table").
			WithDetail("table", ref.String())
	}

	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: RowSchema()}); err != nil && !isStatus(err, http.StatusConflict) {
		return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to create table").
			WithDetail("table", ref.String())
	}
	b.logger.Debug("table created", zap.String("table", ref.String()))
	return nil
}

// Insert implements Warehouse
func (b *BigQuery) Insert(ctx context.Context, ref TableRef, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	startTime := time.Now()

	items := make([]*rowSaver, len(rows))
	for i := range rows {
		items[i] = &rowSaver{row: rows[i]}
	}

	inserter := b.table(ref).Inserter()
	if err := inserter.Put(ctx, items); err != nil {
		return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to insert batch").
			WithDetail("table", ref.String()).
			WithDetail("rows", len(rows))
	}

	metrics.BatchesInserted.WithLabelValues(b.target).Inc()
	metrics.RowsExported.WithLabelValues(b.target).Add(float64(len(rows)))

	b.logger.Debug("batch inserted successfully",
		zap.String("table", ref.String()),
		zap.Int("record_count", len(rows)),
		zap.Duration("latency", time.Since(startTime)))
	return nil
}

// Merge implements Consolidator by running MergeStatement as a query job
func (b *BigQuery) Merge(ctx context.Context, main, staging TableRef) (int64, error) {
	q := b.client.Query(MergeStatement(main, staging))
	q.Location = b.location

	job, err := q.Run(ctx)
	if err != nil {
		return 0, quasarerrors.Wrap(err, quasarerrors.ErrorTypeQuery, "failed to start merge")
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, quasarerrors.Wrap(err, quasarerrors.ErrorTypeQuery, "failed to wait for merge").
			WithDetail("job", job.ID())
	}
	if err := status.Err(); err != nil {
		return 0, quasarerrors.Wrap(err, quasarerrors.ErrorTypeQuery, "merge failed").
			WithDetail("job", job.ID())
	}

	var inserted int64
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			inserted = stats.NumDMLAffectedRows
		}
	}
	return inserted, nil
}

// DeleteTable implements Warehouse
func (b *BigQuery) DeleteTable(ctx context.Context, ref TableRef) error {
	if err := b.table(ref).Delete(ctx); err != nil && !isStatus(err, http.StatusNotFound) {
		return quasarerrors.Wrap(err, quasarerrors.ErrorTypeConnection, "failed to delete table").
			WithDetail("table", ref.String())
	}
	return nil
}

// Close implements Client
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) table(ref TableRef) *bigquery.Table {
	return b.client.DatasetInProject(b.projectOf(ref), ref.Dataset).Table(ref.Table)
}

func (b *BigQuery) projectOf(ref TableRef) string {
	if ref.Project != "" {
		return ref.Project
	}
	return b.project
}

// rowSaver implements bigquery.ValueSaver. The insert id makes retried
// streaming inserts of the same row best-effort idempotent.
type rowSaver struct {
	row models.Row
}

func (r *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		ColumnID:     r.row.ID,
		ColumnInsert: r.row.Insert,
		ColumnData:   r.row.Data,
		ColumnHash:   r.row.Hash,
	}, r.row.ID + ":" + r.row.Hash, nil
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
