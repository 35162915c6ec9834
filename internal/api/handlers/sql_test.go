package handlers

import (
	"context"
	"database/sql"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/odata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestFetchRows_AliasesColumns(t *testing.T) {
	db, mock := mockDB(t)
	cmap := odata.ParseColumnMap([]string{"ItemCode;ProductNumber", "Description"})

	mock.ExpectQuery("SELECT * FROM [dbo].[Items]").
		WillReturnRows(sqlmock.NewRows([]string{"ItemCode", "Description", "Stock"}).
			AddRow([]byte("PROD1"), "First", 12).
			AddRow([]byte("PROD2"), "Second", 0))

	records, err := fetchRows(context.Background(), db, "SELECT * FROM [dbo].[Items]", nil, cmap)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Database columns come back under their exposed aliases, byte
	// slices as strings; unmapped columns pass through unchanged.
	assert.Equal(t, "PROD1", records[0]["ProductNumber"])
	assert.Equal(t, "First", records[0]["Description"])
	assert.Equal(t, int64(12), records[0]["Stock"])
	_, hasRaw := records[0]["ItemCode"]
	assert.False(t, hasRaw)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRows_EmptyResult(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT * FROM [dbo].[Items]").
		WillReturnRows(sqlmock.NewRows([]string{"ItemCode"}))

	records, err := fetchRows(context.Background(), db, "SELECT * FROM [dbo].[Items]", nil, odata.ParseColumnMap(nil))
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestFetchRows_MidStreamErrorDiscardsBatch(t *testing.T) {
	db, mock := mockDB(t)

	rows := sqlmock.NewRows([]string{"ItemCode"}).
		AddRow("PROD1").
		RowError(0, assert.AnError)
	mock.ExpectQuery("SELECT * FROM [dbo].[Items]").WillReturnRows(rows)

	records, err := fetchRows(context.Background(), db, "SELECT * FROM [dbo].[Items]", nil, odata.ParseColumnMap(nil))
	assert.Error(t, err)
	assert.Nil(t, records)
}

func TestNamedArgs_OrderedByIndex(t *testing.T) {
	args := namedArgs(map[string]any{
		"p10": "j",
		"p2":  "c",
		"p0":  "a",
		"p1":  "b",
	})

	require.Len(t, args, 4)
	assert.Equal(t, sql.Named("p0", "a"), args[0])
	assert.Equal(t, sql.Named("p1", "b"), args[1])
	assert.Equal(t, sql.Named("p2", "c"), args[2])
	assert.Equal(t, sql.Named("p10", "j"), args[3])
}

func TestMappedColumns(t *testing.T) {
	cmap := odata.ParseColumnMap([]string{"ItemCode;ProductNumber", "Description"})

	cols, args := mappedColumns(map[string]any{
		"ProductNumber": "PROD1",
		"Description":   "First",
		"Evil":          "dropped",
	}, cmap)

	assert.Equal(t, []string{"Description", "ItemCode"}, cols)
	require.Len(t, args, 2)
	assert.Equal(t, sql.Named("p0", "First"), args[0])
	assert.Equal(t, sql.Named("p1", "PROD1"), args[1])
}

func TestMappedColumns_EmptyMapPassesThrough(t *testing.T) {
	cols, _ := mappedColumns(map[string]any{"Anything": 1}, odata.ParseColumnMap(nil))
	assert.Equal(t, []string{"Anything"}, cols)
}

func TestPrimaryKeyFilter(t *testing.T) {
	cmap := odata.ParseColumnMap([]string{"ItemCode;ProductNumber"})
	ep := config.EndpointConfig{Name: "Products", PrimaryKey: "ItemCode"}

	// The filter uses the exposed alias; the translator rewrites it back.
	filter, err := primaryKeyFilter(ep, cmap, "PROD1")
	require.NoError(t, err)
	assert.Equal(t, "ProductNumber eq 'PROD1'", filter)

	// Quotes in the id cannot break out of the literal.
	filter, err = primaryKeyFilter(ep, cmap, "a'b")
	require.NoError(t, err)
	assert.Equal(t, "ProductNumber eq 'a''b'", filter)

	_, err = primaryKeyFilter(config.EndpointConfig{Name: "NoKey"}, cmap, "x")
	assert.Error(t, err)
}

func TestNextLink(t *testing.T) {
	u, err := url.Parse("http://gw.local/api/600/Products?$filter=x+eq+'1'&$top=10&$skip=10")
	require.NoError(t, err)

	next, err := url.Parse(nextLink(u, 20))
	require.NoError(t, err)
	assert.Equal(t, "/api/600/Products", next.Path)
	assert.Equal(t, "20", next.Query().Get("$skip"))
	assert.Equal(t, "10", next.Query().Get("$top"))
	assert.Equal(t, "x eq '1'", next.Query().Get("$filter"))
}

func TestResponseCacheKey(t *testing.T) {
	assert.Equal(t, "resp:600:Products:$top=5", responseCacheKey("600", "Products", "$top=5"))
}
