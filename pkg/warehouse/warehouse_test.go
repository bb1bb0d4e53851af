package warehouse

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/ajitpratap0/quasar/pkg/models"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"orders", "orders"},
		{"order-items", "order_items"},
		{"system.profile", "system_profile"},
		{"with space\ttab", "with_space_tab"},
		{"ünïcode", "_n_code"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeIdentifier(tt.in), tt.in)
	}
	assert.Len(t, SanitizeIdentifier(strings.Repeat("a", 2000)), maxIdentifierLength)
}

func TestMainTable(t *testing.T) {
	ref := MainTable("proj", "raw_mongodb_", models.ExportSource{Name: "s1", Database: "shop-db", Collection: "orders.v2"})
	assert.Equal(t, TableRef{Project: "proj", Dataset: "raw_mongodb_shop_db", Table: "orders_v2"}, ref)
	assert.Equal(t, "`proj.raw_mongodb_shop_db.orders_v2`", ref.Quoted())
}

func TestStaging(t *testing.T) {
	main := TableRef{Project: "p", Dataset: "d", Table: "orders"}

	first := main.Staging()
	second := main.Staging()

	assert.NotEqual(t, first, second)
	assert.Equal(t, main.Dataset, first.Dataset)
	assert.Regexp(t, `^orders_[0-9a-f]{32}_temp$`, first.Table)

	long := TableRef{Dataset: "d", Table: strings.Repeat("x", maxIdentifierLength)}.Staging()
	assert.Len(t, long.Table, maxIdentifierLength)
	assert.True(t, strings.HasSuffix(long.Table, "_temp"))
}

func TestMergeStatement(t *testing.T) {
	main := TableRef{Project: "p", Dataset: "d", Table: "orders"}
	staging := TableRef{Project: "p", Dataset: "d", Table: "orders_abc_temp"}

	sql := MergeStatement(main, staging)

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO `p.d.orders` (`_id`, `createdAt`, `data`, `hash`)"))
	assert.Contains(t, sql, "FROM `p.d.orders_abc_temp`")
	assert.Contains(t, sql, "PARTITION BY `_id`, `hash`")
	assert.Contains(t, sql, "ARRAY_AGG(`hash` ORDER BY `createdAt` DESC, `hash` DESC LIMIT 1)[OFFSET(0)]")
	assert.Contains(t, sql, "SELECT staged.`_id`, staged.`createdAt`, staged.`data`, staged.`hash`")
	assert.Contains(t, sql, "WHERE latest.`_id` IS NULL OR latest.`hash` != staged.`hash`")
	assert.NotContains(t, sql, "UPDATE")
	assert.NotContains(t, sql, "DELETE")
}

func TestLatestStatement(t *testing.T) {
	sql := LatestStatement(TableRef{Project: "p", Dataset: "d", Table: "orders"})
	assert.Contains(t, sql, "FROM `p.d.orders`")
	assert.Contains(t, sql, "PARTITION BY `_id` ORDER BY `createdAt` DESC, `hash` DESC")
}

func TestLatest(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.Row{
		{ID: "a", Insert: t0, Hash: "h1"},
		{ID: "a", Insert: t0.Add(time.Hour), Hash: "h2"},
		{ID: "b", Insert: t0, Hash: "h3"},
		{ID: "c", Insert: t0, Hash: "h4"},
		{ID: "c", Insert: t0, Hash: "h5"},
	}

	latest := Latest(rows)
	assert.Len(t, latest, 3)
	assert.Equal(t, "h2", latest["a"].Hash)
	assert.Equal(t, "h3", latest["b"].Hash)
	assert.Equal(t, "h5", latest["c"].Hash, "ties resolve to the greater hash")
}

func TestLatestTieIgnoresWriteOrder(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := models.Row{ID: "a", Insert: t0, Hash: "ff"}
	newer := models.Row{ID: "a", Insert: t0, Hash: "00"}

	assert.Equal(t, "ff", Latest([]models.Row{older, newer})["a"].Hash)
	assert.Equal(t, "ff", Latest([]models.Row{newer, older})["a"].Hash)
}

func TestRowSchema(t *testing.T) {
	schema := RowSchema()
	require.Len(t, schema, 4)
	assert.Equal(t, bigquery.JSONFieldType, schema[2].Type)
	for _, field := range schema {
		assert.True(t, field.Required, field.Name)
	}
}

func TestRowSaver(t *testing.T) {
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	saver := &rowSaver{row: models.Row{ID: "a", Insert: when, Data: `{"_id":"a"}`, Hash: "h"}}

	values, insertID, err := saver.Save()
	require.NoError(t, err)
	assert.Equal(t, "a:h", insertID)
	assert.Equal(t, "a", values[ColumnID])
	assert.Equal(t, when, values[ColumnInsert])
	assert.Equal(t, `{"_id":"a"}`, values[ColumnData])
}

func TestIsStatus(t *testing.T) {
	notFound := &googleapi.Error{Code: http.StatusNotFound}
	assert.True(t, isStatus(notFound, http.StatusNotFound))
	assert.True(t, isStatus(errors.Join(errors.New("ctx"), notFound), http.StatusNotFound))
	assert.False(t, isStatus(notFound, http.StatusConflict))
	assert.False(t, isStatus(errors.New("plain"), http.StatusNotFound))
}

func TestBigQueryOpenerRequiresProject(t *testing.T) {
	_, err := BigQueryOpener{}.Open(context.Background(), models.TargetProfile{Name: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project id")

	_, err = BigQueryOpener{}.Open(context.Background(), models.TargetProfile{Name: "t1", Credentials: "not json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target credentials")
}
