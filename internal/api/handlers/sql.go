package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/melosso/portway/internal/cache"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/environment"
	"github.com/melosso/portway/internal/odata"
)

func (h *Handler) handleSQL(c *gin.Context, env string, ep config.EndpointConfig, settings environment.Settings, id string) {
	switch c.Request.Method {
	case http.MethodGet:
		if id != "" {
			h.sqlGetByID(c, env, ep, settings, id)
		} else {
			h.sqlList(c, env, ep, settings)
		}
	case http.MethodPost:
		h.sqlInsert(c, ep, settings)
	case http.MethodPut, "MERGE":
		h.sqlUpdate(c, ep, settings, id)
	case http.MethodDelete:
		h.sqlDelete(c, ep, settings, id)
	default:
		respondError(c, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (h *Handler) sqlList(c *gin.Context, env string, ep config.EndpointConfig, settings environment.Settings) {
	ctx := c.Request.Context()

	q, err := odata.ParseQuery(c.Request.URL.Query())
	if err != nil {
		respondBadOData(c, err)
		return
	}

	cacheKey := ""
	ttl := time.Duration(h.cfg.Cache.ResponseTTLSecs) * time.Second
	if ttl > 0 {
		cacheKey = responseCacheKey(env, ep.Name, c.Request.URL.RawQuery)
		if cached, found, err := cache.GetJSON[map[string]any](ctx, h.cache, cacheKey); err == nil && found {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	body, errStatus, err := h.executeSQLQuery(ctx, ep, settings, q, "")
	if err != nil {
		h.respondSQLError(c, errStatus, err)
		return
	}

	if body.NextSkip != nil {
		body.Payload["@odata.nextLink"] = nextLink(c.Request.URL, *body.NextSkip)
	}

	if cacheKey != "" {
		if err := cache.SetJSON(ctx, h.cache, cacheKey, body.Payload, ttl); err != nil {
			h.logger.Debug("response cache write failed", "error", err)
		}
	}

	c.JSON(http.StatusOK, body.Payload)
}

func (h *Handler) sqlGetByID(c *gin.Context, env string, ep config.EndpointConfig, settings environment.Settings, id string) {
	ctx := c.Request.Context()

	q, err := odata.ParseQuery(c.Request.URL.Query())
	if err != nil {
		respondBadOData(c, err)
		return
	}

	body, errStatus, err := h.executeSQLQuery(ctx, ep, settings, q, id)
	if err != nil {
		h.respondSQLError(c, errStatus, err)
		return
	}

	rows, _ := body.Payload["value"].([]map[string]any)
	if len(rows) == 0 {
		respondError(c, http.StatusNotFound, "record not found", "")
		return
	}
	c.JSON(http.StatusOK, rows[0])
}

// sqlResult is a shaped list response plus paging state.
type sqlResult struct {
	Payload  map[string]any
	NextSkip *int
}

// executeSQLQuery runs the full read path: id-filter injection,
// translation, execution with the command timeout, and response shaping.
// Partial results are never returned; a mid-stream error discards the
// whole batch.
func (h *Handler) executeSQLQuery(ctx context.Context, ep config.EndpointConfig, settings environment.Settings, q odata.Query, id string) (*sqlResult, int, error) {
	cmap := h.columnMap(ep)

	if id != "" {
		idFilter, err := primaryKeyFilter(ep, cmap, id)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		if q.Filter != "" {
			q.Filter = idFilter + " and (" + q.Filter + ")"
		} else {
			q.Filter = idFilter
		}
	}

	model := h.registry.GetModel(ep.Entity())
	stmt, err := odata.Translate(model, q, odata.Options{
		Map:        cmap,
		PrimaryKey: ep.PrimaryKey,
		PageSize:   ep.PageSize,
	})
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	db, err := h.pool.Open(ctx, settings.ConnectionString)
	if err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("connection failed: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, h.pool.CommandTimeout())
	defer cancel()

	args := namedArgs(stmt.Params)

	var total *int64
	if stmt.CountSQL != "" {
		var n int64
		if err := db.GetContext(queryCtx, &n, stmt.CountSQL, args...); err != nil {
			return nil, sqlErrorStatus(queryCtx, err), fmt.Errorf("count query failed: %w", err)
		}
		total = &n
	}

	records, err := fetchRows(queryCtx, db, stmt.SQL, args, cmap)
	if err != nil {
		return nil, sqlErrorStatus(queryCtx, err), err
	}

	payload := map[string]any{"value": records}
	if total != nil {
		payload["@odata.count"] = *total
	}

	result := &sqlResult{Payload: payload}
	if stmt.Top != nil && len(records) == *stmt.Top {
		next := stmt.Skip + *stmt.Top
		result.NextSkip = &next
	}
	return result, 0, nil
}

// fetchRows buffers the full result set, renaming database columns back
// to their exposed aliases.
func fetchRows(ctx context.Context, db *sqlx.DB, query string, args []any, cmap *odata.ColumnMap) ([]map[string]any, error) {
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records := make([]map[string]any, 0)
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		record := make(map[string]any, len(raw))
		for col, val := range raw {
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			if alias, ok := cmap.Alias(col); ok {
				col = alias
			}
			record[col] = val
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row stream failed: %w", err)
	}
	return records, nil
}

func (h *Handler) sqlInsert(c *gin.Context, ep config.EndpointConfig, settings environment.Settings) {
	ctx := c.Request.Context()
	cmap := h.columnMap(ep)

	body := map[string]any{}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request body", "")
		return
	}

	cols, args := mappedColumns(body, cmap)
	if len(cols) == 0 {
		respondError(c, http.StatusBadRequest, "no writable columns in request body", "")
		return
	}

	model := h.registry.GetModel(ep.Entity())
	var placeholders []string
	var quoted []string
	for i, col := range cols {
		quoted = append(quoted, quoteColumn(col))
		placeholders = append(placeholders, fmt.Sprintf("@p%d", i))
	}
	query := fmt.Sprintf("INSERT INTO [%s].[%s] (%s) VALUES (%s)",
		model.Schema, model.Table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if _, status, err := h.execWrite(ctx, settings, query, args); err != nil {
		h.respondSQLError(c, status, err)
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) sqlUpdate(c *gin.Context, ep config.EndpointConfig, settings environment.Settings, id string) {
	if id == "" {
		respondError(c, http.StatusBadRequest, "record id is required", "")
		return
	}
	if ep.PrimaryKey == "" {
		h.logger.Error("update on endpoint without primary key", "endpoint", ep.Name)
		respondError(c, http.StatusInternalServerError, "internal error", "")
		return
	}
	ctx := c.Request.Context()
	cmap := h.columnMap(ep)

	body := map[string]any{}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request body", "")
		return
	}

	cols, args := mappedColumns(body, cmap)
	if len(cols) == 0 {
		respondError(c, http.StatusBadRequest, "no writable columns in request body", "")
		return
	}

	model := h.registry.GetModel(ep.Entity())
	var sets []string
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = @p%d", quoteColumn(col), i))
	}
	args = append(args, sql.Named(fmt.Sprintf("p%d", len(cols)), id))
	query := fmt.Sprintf("UPDATE [%s].[%s] SET %s WHERE %s = @p%d",
		model.Schema, model.Table, strings.Join(sets, ", "), quoteColumn(ep.PrimaryKey), len(cols))

	affected, status, err := h.execWrite(ctx, settings, query, args)
	if err != nil {
		h.respondSQLError(c, status, err)
		return
	}
	if affected == 0 {
		respondError(c, http.StatusNotFound, "record not found", "")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) sqlDelete(c *gin.Context, ep config.EndpointConfig, settings environment.Settings, id string) {
	if id == "" {
		respondError(c, http.StatusBadRequest, "record id is required", "")
		return
	}
	if ep.PrimaryKey == "" {
		h.logger.Error("delete on endpoint without primary key", "endpoint", ep.Name)
		respondError(c, http.StatusInternalServerError, "internal error", "")
		return
	}
	ctx := c.Request.Context()

	model := h.registry.GetModel(ep.Entity())
	query := fmt.Sprintf("DELETE FROM [%s].[%s] WHERE %s = @p0",
		model.Schema, model.Table, quoteColumn(ep.PrimaryKey))
	args := []any{sql.Named("p0", id)}

	affected, status, err := h.execWrite(ctx, settings, query, args)
	if err != nil {
		h.respondSQLError(c, status, err)
		return
	}
	if affected == 0 {
		respondError(c, http.StatusNotFound, "record not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) execWrite(ctx context.Context, settings environment.Settings, query string, args []any) (int64, int, error) {
	db, err := h.pool.Open(ctx, settings.ConnectionString)
	if err != nil {
		return 0, http.StatusBadGateway, fmt.Errorf("connection failed: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, h.pool.CommandTimeout())
	defer cancel()

	res, err := db.ExecContext(execCtx, query, args...)
	if err != nil {
		return 0, sqlErrorStatus(execCtx, err), fmt.Errorf("statement failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, http.StatusInternalServerError, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, 0, nil
}

func (h *Handler) respondSQLError(c *gin.Context, status int, err error) {
	if errors.Is(c.Request.Context().Err(), context.Canceled) {
		return
	}
	var badReq *odata.BadRequestError
	if errors.As(err, &badReq) {
		respondError(c, http.StatusBadRequest, "invalid query", badReq.Message)
		return
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.logger.Error("sql handler failed", "status", status, "error", err)
	switch status {
	case http.StatusGatewayTimeout:
		respondError(c, status, "upstream timeout", "")
	case http.StatusBadGateway:
		respondError(c, status, "upstream error", "")
	default:
		respondError(c, status, "internal error", "")
	}
}

func respondBadOData(c *gin.Context, err error) {
	var badReq *odata.BadRequestError
	if errors.As(err, &badReq) {
		respondError(c, http.StatusBadRequest, "invalid query", badReq.Message)
		return
	}
	respondError(c, http.StatusBadRequest, "invalid query", "")
}

// sqlErrorStatus distinguishes timeouts (504) from other upstream
// failures (502). Client disconnects produce no response;
// respondSQLError writes nothing once the request context is cancelled.
func sqlErrorStatus(ctx context.Context, err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// primaryKeyFilter builds the id predicate injected for /{id} paths. The
// value is embedded as an OData string literal with quotes escaped.
func primaryKeyFilter(ep config.EndpointConfig, cmap *odata.ColumnMap, id string) (string, error) {
	if ep.PrimaryKey == "" {
		return "", fmt.Errorf("endpoint %s has no primary key configured", ep.Name)
	}
	key := ep.PrimaryKey
	if alias, ok := cmap.Alias(key); ok {
		key = alias
	}
	return key + " eq '" + strings.ReplaceAll(id, "'", "''") + "'", nil
}

// mappedColumns maps request body fields (exposed aliases) to database
// columns; fields outside the column map are dropped.
func mappedColumns(body map[string]any, cmap *odata.ColumnMap) ([]string, []any) {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cols []string
	var args []any
	for _, k := range keys {
		col, ok := cmap.DBColumn(k)
		if !ok {
			if cmap.Len() > 0 {
				continue
			}
			col = k
		}
		args = append(args, sql.Named(fmt.Sprintf("p%d", len(cols)), body[k]))
		cols = append(cols, col)
	}
	return cols, args
}

// namedArgs converts the translator's parameter map into driver arguments
// ordered by parameter index.
func namedArgs(params map[string]any) []any {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(names[i], "p"))
		b, _ := strconv.Atoi(strings.TrimPrefix(names[j], "p"))
		return a < b
	})
	args := make([]any, len(names))
	for i, name := range names {
		args[i] = sql.Named(name, params[name])
	}
	return args
}

func quoteColumn(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func responseCacheKey(env, endpoint, rawQuery string) string {
	return "resp:" + env + ":" + endpoint + ":" + rawQuery
}

// nextLink rebuilds the request URL with $skip advanced to the next page.
func nextLink(u *url.URL, nextSkip int) string {
	next := *u
	q := next.Query()
	q.Del("skip")
	q.Set("$skip", strconv.Itoa(nextSkip))
	next.RawQuery = q.Encode()
	return next.String()
}
