package odata

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/melosso/portway/internal/edm"
)

// Query carries the recognised OData parameters of one request.
type Query struct {
	Select  string
	Filter  string
	OrderBy string
	Top     *int
	Skip    *int
	Count   bool
}

// ParseQuery extracts the OData parameters from a URL query. Both the
// $-prefixed and bare spellings are accepted.
func ParseQuery(values url.Values) (Query, error) {
	get := func(name string) string {
		if v := values.Get("$" + name); v != "" {
			return v
		}
		return values.Get(name)
	}

	q := Query{
		Select:  get("select"),
		Filter:  get("filter"),
		OrderBy: get("orderby"),
	}

	if raw := get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, badRequestf("$top must be a non-negative integer")
		}
		q.Top = &n
	}
	if raw := get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, badRequestf("$skip must be a non-negative integer")
		}
		q.Skip = &n
	}
	if raw := get("count"); raw != "" {
		q.Count = strings.EqualFold(raw, "true")
	}

	return q, nil
}

// Options controls translation for one endpoint.
type Options struct {
	Map        *ColumnMap
	PrimaryKey string // database column, may be empty
	PageSize   int    // clamp for $top; 0 means unlimited
	Strict     bool   // reject identifiers outside the column map
}

// Statement is the translation result. SQL and Params must be consumed
// together; CountSQL is set only when $count=true and shares Params.
type Statement struct {
	SQL      string
	CountSQL string
	Params   map[string]any

	// Top and Skip are the effective paging values after clamping, for
	// response shaping (next links).
	Top  *int
	Skip int
}

// Translate rewrites aliases, parses the filter, and emits parameterised
// SQL for the entity. Malformed input yields *BadRequestError.
func Translate(model *edm.Model, q Query, opts Options) (*Statement, error) {
	cmap := opts.Map
	if cmap == nil {
		cmap = ParseColumnMap(nil)
	}

	params := newParamSet()
	table := quoteIdent(model.Schema) + "." + quoteIdent(model.Table)

	var predicate string
	if q.Filter != "" {
		rewritten := cmap.RewriteFilter(q.Filter)
		sql, idents, err := parseFilter(rewritten, params)
		if err != nil {
			return nil, err
		}
		if opts.Strict && cmap.Len() > 0 {
			if unknown := unknownIdents(cmap, idents); len(unknown) > 0 {
				return nil, badRequestf("unknown columns in $filter: %s", strings.Join(unknown, ", "))
			}
		}
		predicate = sql
	}

	cols, err := buildSelectList(cmap, q.Select, opts.Strict)
	if err != nil {
		return nil, err
	}

	orderBy, err := buildOrderBy(cmap, q.OrderBy, opts.Strict)
	if err != nil {
		return nil, err
	}

	top, skip := effectivePaging(q, opts.PageSize)

	// OFFSET/FETCH requires an ORDER BY; synthesise one from the primary
	// key when paging without an explicit $orderby.
	if orderBy == "" && (top != nil || skip > 0) {
		if opts.PrimaryKey != "" {
			orderBy = quoteIdent(opts.PrimaryKey)
		} else {
			orderBy = "(SELECT NULL)"
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(cols)
	b.WriteString(" FROM ")
	b.WriteString(table)
	if predicate != "" {
		b.WriteString(" WHERE ")
		b.WriteString(predicate)
	}
	if orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBy)
	}
	if top != nil {
		fmt.Fprintf(&b, " OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", skip, *top)
	} else if skip > 0 {
		fmt.Fprintf(&b, " OFFSET %d ROWS", skip)
	}

	stmt := &Statement{
		SQL:    b.String(),
		Params: params.values,
		Top:    top,
		Skip:   skip,
	}

	// The count ignores paging: it reflects the full filtered set.
	if q.Count {
		countSQL := "SELECT COUNT(*) FROM " + table
		if predicate != "" {
			countSQL += " WHERE " + predicate
		}
		stmt.CountSQL = countSQL
	}

	return stmt, nil
}

func effectivePaging(q Query, pageSize int) (top *int, skip int) {
	if q.Skip != nil {
		skip = *q.Skip
	}
	if q.Top != nil {
		n := *q.Top
		if pageSize > 0 && n > pageSize {
			n = pageSize
		}
		top = &n
	} else if pageSize > 0 {
		n := pageSize
		top = &n
	}
	return top, skip
}

func buildSelectList(cmap *ColumnMap, sel string, strict bool) (string, error) {
	if sel == "" {
		return "*", nil
	}
	rewritten := cmap.RewriteColumnList(sel)

	var cols []string
	var unknown []string
	for _, item := range strings.Split(rewritten, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strict && cmap.Len() > 0 && !cmap.Knows(item) {
			unknown = append(unknown, item)
			continue
		}
		cols = append(cols, quoteIdent(item))
	}
	if len(unknown) > 0 {
		return "", badRequestf("unknown columns in $select: %s", strings.Join(unknown, ", "))
	}
	if len(cols) == 0 {
		return "*", nil
	}
	return strings.Join(cols, ", "), nil
}

func buildOrderBy(cmap *ColumnMap, orderBy string, strict bool) (string, error) {
	if orderBy == "" {
		return "", nil
	}
	rewritten := cmap.RewriteColumnList(orderBy)

	var parts []string
	var unknown []string
	for _, item := range strings.Split(rewritten, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		col := item
		dir := ""
		if name, suffix, ok := strings.Cut(item, " "); ok {
			col = name
			switch strings.ToLower(strings.TrimSpace(suffix)) {
			case "asc":
				dir = " ASC"
			case "desc":
				dir = " DESC"
			default:
				return "", badRequestf("malformed $orderby item %q", item)
			}
		}
		if strict && cmap.Len() > 0 && !cmap.Knows(col) {
			unknown = append(unknown, col)
			continue
		}
		parts = append(parts, quoteIdent(col)+dir)
	}
	if len(unknown) > 0 {
		return "", badRequestf("unknown columns in $orderby: %s", strings.Join(unknown, ", "))
	}
	return strings.Join(parts, ", "), nil
}

func unknownIdents(cmap *ColumnMap, idents []string) []string {
	seen := map[string]bool{}
	var unknown []string
	for _, name := range idents {
		if cmap.Knows(name) || seen[name] {
			continue
		}
		seen[name] = true
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	return unknown
}
