// Package warehouse stages exported rows and consolidates them into
// append-only, versioned main tables.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ajitpratap0/quasar/pkg/models"
)

// Column names shared by main and staging tables
const (
	ColumnID     = "_id"
	ColumnInsert = "createdAt"
	ColumnData   = "data"
	ColumnHash   = "hash"
)

// maxIdentifierLength is the BigQuery limit for dataset and table names
const maxIdentifierLength = 1024

// TableRef addresses one warehouse table
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// String renders project.dataset.table
func (t TableRef) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + "." + t.Dataset + "." + t.Table
}

// Quoted renders the reference for use inside standard SQL
func (t TableRef) Quoted() string {
	return "`" + t.String() + "`"
}

// Staging returns a uniquely named sibling table of t
func (t TableRef) Staging() TableRef {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")
	suffix := "_" + token + "_temp"

	base := t.Table
	if len(base)+len(suffix) > maxIdentifierLength {
		base = base[:maxIdentifierLength-len(suffix)]
	}
	return TableRef{Project: t.Project, Dataset: t.Dataset, Table: base + suffix}
}

// MainTable returns the durable table receiving source's documents.
// datasetPrefix is prepended to the source database name.
func MainTable(project, datasetPrefix string, source models.ExportSource) TableRef {
	return TableRef{
		Project: project,
		Dataset: SanitizeIdentifier(datasetPrefix + source.Database),
		Table:   SanitizeIdentifier(source.Collection),
	}
}

// SanitizeIdentifier maps name onto [A-Za-z0-9_], the character set
// accepted for both dataset and table names.
func SanitizeIdentifier(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	if out == "" {
		out = "_"
	}
	if len(out) > maxIdentifierLength {
		out = out[:maxIdentifierLength]
	}
	return out
}

// Warehouse is the storage surface used by the export worker
type Warehouse interface {
	// EnsureTable creates the dataset and the table with the row schema
	// unless they exist
	EnsureTable(ctx context.Context, table TableRef) error
	// Insert appends rows to table
	Insert(ctx context.Context, table TableRef, rows []models.Row) error
	// DeleteTable drops table; a missing table is not an error
	DeleteTable(ctx context.Context, table TableRef) error
}

// Consolidator merges a staging table into a main table
type Consolidator interface {
	// Merge appends to main every staged row whose identifier is new or
	// whose hash differs from the identifier's current version, and
	// returns the number of appended rows.
	Merge(ctx context.Context, main, staging TableRef) (int64, error)
}

// Client is a warehouse connection opened for one target
type Client interface {
	Warehouse
	Consolidator
	// Project is the project tables are created in
	Project() string
	Close() error
}

// Opener connects to the warehouse described by a target profile
type Opener interface {
	Open(ctx context.Context, target models.TargetProfile) (Client, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, target models.TargetProfile) (Client, error)

// Open implements Opener
func (f OpenerFunc) Open(ctx context.Context, target models.TargetProfile) (Client, error) {
	return f(ctx, target)
}

// Latest reduces an append-only row set to the current version of each
// identifier: the row with the greatest insert timestamp, ties broken by
// the greater hash rather than by write order. Readers of a main table apply the same reduction, see
// LatestStatement.
func Latest(rows []models.Row) map[string]models.Row {
	latest := make(map[string]models.Row, len(rows))
	for _, row := range rows {
		current, ok := latest[row.ID]
		if !ok || newer(row, current) {
			latest[row.ID] = row
		}
	}
	return latest
}

func newer(row, than models.Row) bool {
	if row.Insert.Equal(than.Insert) {
		return row.Hash > than.Hash
	}
	return row.Insert.After(than.Insert)
}

func quoteColumn(name string) string {
	return fmt.Sprintf("`%s`", name)
}
