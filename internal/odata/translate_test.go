package odata_test

import (
	"net/url"
	"testing"

	"github.com/melosso/portway/internal/edm"
	"github.com/melosso/portway/internal/odata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemsModel(t *testing.T) *edm.Model {
	t.Helper()
	return edm.NewRegistry(nil).GetModel("dbo.Items")
}

func TestTranslate_EmptyQuery(t *testing.T) {
	stmt, err := odata.Translate(itemsModel(t), odata.Query{}, odata.Options{})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM [dbo].[Items]", stmt.SQL)
	assert.Empty(t, stmt.Params)
	assert.Empty(t, stmt.CountSQL)
}

func TestTranslate_SimpleFilter(t *testing.T) {
	stmt, err := odata.Translate(itemsModel(t), odata.Query{
		Filter: "ItemCode eq 'TEST001'",
	}, odata.Options{})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM [dbo].[Items] WHERE [ItemCode] = @p0", stmt.SQL)
	assert.Equal(t, map[string]any{"p0": "TEST001"}, stmt.Params)
}

func TestTranslate_FilterOperators(t *testing.T) {
	tests := []struct {
		filter string
		sql    string
		params map[string]any
	}{
		{
			filter: "Price gt 10 and Price le 20",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Price] > @p0 AND [Price] <= @p1",
			params: map[string]any{"p0": int64(10), "p1": int64(20)},
		},
		{
			filter: "Active eq true",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Active] = @p0",
			params: map[string]any{"p0": true},
		},
		{
			filter: "Discount eq 2.5",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Discount] = @p0",
			params: map[string]any{"p0": 2.5},
		},
		{
			filter: "DeletedAt eq null",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [DeletedAt] IS NULL",
			params: map[string]any{},
		},
		{
			filter: "DeletedAt ne null",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [DeletedAt] IS NOT NULL",
			params: map[string]any{},
		},
		{
			filter: "not (Status eq 'Closed')",
			sql:    "SELECT * FROM [dbo].[Items] WHERE NOT (([Status] = @p0))",
			params: map[string]any{"p0": "Closed"},
		},
		{
			filter: "contains(Name,'abc')",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Name] LIKE @p0",
			params: map[string]any{"p0": "%abc%"},
		},
		{
			filter: "startswith(Name,'abc') or endswith(Name,'xyz')",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Name] LIKE @p0 OR [Name] LIKE @p1",
			params: map[string]any{"p0": "abc%", "p1": "%xyz"},
		},
		{
			filter: "tolower(Name) eq 'abc'",
			sql:    "SELECT * FROM [dbo].[Items] WHERE LOWER([Name]) = @p0",
			params: map[string]any{"p0": "abc"},
		},
		{
			filter: "Name eq 'O''Brien'",
			sql:    "SELECT * FROM [dbo].[Items] WHERE [Name] = @p0",
			params: map[string]any{"p0": "O'Brien"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			stmt, err := odata.Translate(itemsModel(t), odata.Query{Filter: tc.filter}, odata.Options{})
			require.NoError(t, err)
			assert.Equal(t, tc.sql, stmt.SQL)
			assert.Equal(t, tc.params, stmt.Params)
		})
	}
}

func TestTranslate_MalformedFilter(t *testing.T) {
	for _, filter := range []string{
		"ItemCode eq",
		"ItemCode eq 'unterminated",
		"(ItemCode eq 'x'",
		"ItemCode foo 'x'",
		"contains(ItemCode)",
		"ItemCode eq 'x') trailing",
	} {
		t.Run(filter, func(t *testing.T) {
			_, err := odata.Translate(itemsModel(t), odata.Query{Filter: filter}, odata.Options{})
			var badReq *odata.BadRequestError
			assert.ErrorAs(t, err, &badReq)
		})
	}
}

func TestTranslate_SelectAndOrderBy(t *testing.T) {
	m := mapFrom("ItemCode;ProductNumber", "Description")

	stmt, err := odata.Translate(itemsModel(t), odata.Query{
		Select:  "ProductNumber,Description",
		OrderBy: "ProductNumber desc",
	}, odata.Options{Map: m})
	require.NoError(t, err)

	assert.Equal(t, "SELECT [ItemCode], [Description] FROM [dbo].[Items] ORDER BY [ItemCode] DESC", stmt.SQL)
}

func TestTranslate_Paging(t *testing.T) {
	top, skip := 10, 20
	stmt, err := odata.Translate(itemsModel(t), odata.Query{
		Top:  &top,
		Skip: &skip,
	}, odata.Options{PrimaryKey: "ItemCode"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM [dbo].[Items] ORDER BY [ItemCode] OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY", stmt.SQL)
	assert.Equal(t, 20, stmt.Skip)
	require.NotNil(t, stmt.Top)
	assert.Equal(t, 10, *stmt.Top)
}

func TestTranslate_PagingWithoutPrimaryKey(t *testing.T) {
	top := 5
	stmt, err := odata.Translate(itemsModel(t), odata.Query{Top: &top}, odata.Options{})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM [dbo].[Items] ORDER BY (SELECT NULL) OFFSET 0 ROWS FETCH NEXT 5 ROWS ONLY", stmt.SQL)
}

func TestTranslate_TopClampedToPageSize(t *testing.T) {
	top := 500
	stmt, err := odata.Translate(itemsModel(t), odata.Query{Top: &top}, odata.Options{PageSize: 100, PrimaryKey: "ID"})
	require.NoError(t, err)

	require.NotNil(t, stmt.Top)
	assert.Equal(t, 100, *stmt.Top)
	assert.Contains(t, stmt.SQL, "FETCH NEXT 100 ROWS ONLY")
}

func TestTranslate_PageSizeAppliesWithoutTop(t *testing.T) {
	stmt, err := odata.Translate(itemsModel(t), odata.Query{}, odata.Options{PageSize: 50, PrimaryKey: "ID"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM [dbo].[Items] ORDER BY [ID] OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY", stmt.SQL)
}

func TestTranslate_CountIgnoresPaging(t *testing.T) {
	top, skip := 10, 5
	stmt, err := odata.Translate(itemsModel(t), odata.Query{
		Filter: "Status eq 'Open'",
		Top:    &top,
		Skip:   &skip,
		Count:  true,
	}, odata.Options{PrimaryKey: "ID"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT COUNT(*) FROM [dbo].[Items] WHERE [Status] = @p0", stmt.CountSQL)
	assert.Contains(t, stmt.SQL, "OFFSET 5 ROWS FETCH NEXT 10 ROWS ONLY")
}

func TestTranslate_StrictModeRejectsUnknownColumns(t *testing.T) {
	m := mapFrom("ItemCode;ProductNumber")

	_, err := odata.Translate(itemsModel(t), odata.Query{
		Filter: "Mystery eq 'x' and Unknown eq 'y'",
	}, odata.Options{Map: m, Strict: true})

	var badReq *odata.BadRequestError
	require.ErrorAs(t, err, &badReq)
	assert.Contains(t, badReq.Message, "Mystery")
	assert.Contains(t, badReq.Message, "Unknown")
}

func TestTranslate_LenientModePassesUnknownColumns(t *testing.T) {
	m := mapFrom("ItemCode;ProductNumber")

	stmt, err := odata.Translate(itemsModel(t), odata.Query{
		Filter: "Mystery eq 'x'",
	}, odata.Options{Map: m})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM [dbo].[Items] WHERE [Mystery] = @p0", stmt.SQL)
}

func TestParseQuery(t *testing.T) {
	values, err := url.ParseQuery("$filter=x+eq+'1'&$select=a,b&$orderby=a+desc&$top=10&$skip=5&$count=true")
	require.NoError(t, err)

	q, err := odata.ParseQuery(values)
	require.NoError(t, err)

	assert.Equal(t, "x eq '1'", q.Filter)
	assert.Equal(t, "a,b", q.Select)
	assert.Equal(t, "a desc", q.OrderBy)
	require.NotNil(t, q.Top)
	assert.Equal(t, 10, *q.Top)
	require.NotNil(t, q.Skip)
	assert.Equal(t, 5, *q.Skip)
	assert.True(t, q.Count)
}

func TestParseQuery_UnprefixedNames(t *testing.T) {
	values := url.Values{"filter": {"x eq '1'"}, "top": {"3"}}
	q, err := odata.ParseQuery(values)
	require.NoError(t, err)
	assert.Equal(t, "x eq '1'", q.Filter)
	require.NotNil(t, q.Top)
	assert.Equal(t, 3, *q.Top)
}

func TestParseQuery_InvalidPaging(t *testing.T) {
	for _, raw := range []string{"$top=abc", "$top=-1", "$skip=-2", "$skip=x"} {
		values, err := url.ParseQuery(raw)
		require.NoError(t, err)
		_, err = odata.ParseQuery(values)
		var badReq *odata.BadRequestError
		assert.ErrorAs(t, err, &badReq, "query %q", raw)
	}
}
