// Package odata translates OData query parameters into parameterised SQL.
// The pipeline is: rewrite configured aliases to database columns, parse
// $filter into a predicate with extracted parameters, then emit a SELECT
// with optional ORDER BY and OFFSET/FETCH paging.
package odata

import (
	"strings"
	"sync"
)

// ColumnMap is the bidirectional alias <-> database-column mapping derived
// from an endpoint's allowed-columns list. The two maps are mutual
// inverses over the accepted entries.
type ColumnMap struct {
	aliasToDB map[string]string
	dbToAlias map[string]string
	dbOrder   []string // database columns in configuration order

	rwOnce sync.Once
	rw     *rewriter
}

// ParseColumnMap builds a ColumnMap from entries of the form
// "dbColumn;alias". An entry with no separator or an empty side maps the
// column to itself; degenerate entries (empty, whitespace, or separators
// only) are dropped. Parsing never fails.
func ParseColumnMap(entries []string) *ColumnMap {
	m := &ColumnMap{
		aliasToDB: make(map[string]string),
		dbToAlias: make(map[string]string),
	}
	for _, entry := range entries {
		db, alias, ok := splitEntry(entry)
		if !ok {
			continue
		}
		if _, dup := m.dbToAlias[db]; dup {
			continue
		}
		if _, dup := m.aliasToDB[alias]; dup {
			continue
		}
		m.dbToAlias[db] = alias
		m.aliasToDB[alias] = db
		m.dbOrder = append(m.dbOrder, db)
	}
	return m
}

// splitEntry parses one allowed-columns entry. Entries with more than one
// separator keep only the database column, mapped to itself.
func splitEntry(entry string) (db, alias string, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}

	parts := strings.Split(entry, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch len(parts) {
	case 1:
		db, alias = parts[0], parts[0]
	case 2:
		db, alias = parts[0], parts[1]
		if db == "" && alias == "" {
			return "", "", false
		}
		if db == "" {
			db = alias
		}
		if alias == "" {
			alias = db
		}
	default:
		for _, p := range parts {
			if p != "" {
				db, alias = p, p
				break
			}
		}
	}

	if db == "" || alias == "" {
		return "", "", false
	}
	return db, alias, true
}

// DBColumn resolves an alias to its database column.
func (m *ColumnMap) DBColumn(alias string) (string, bool) {
	db, ok := m.aliasToDB[alias]
	return db, ok
}

// Alias resolves a database column to its exposed alias.
func (m *ColumnMap) Alias(db string) (string, bool) {
	alias, ok := m.dbToAlias[db]
	return alias, ok
}

// AliasToDB returns the alias -> column mapping.
func (m *ColumnMap) AliasToDB() map[string]string { return m.aliasToDB }

// DBToAlias returns the column -> alias mapping.
func (m *ColumnMap) DBToAlias() map[string]string { return m.dbToAlias }

// Columns returns the database columns in configuration order.
func (m *ColumnMap) Columns() []string { return m.dbOrder }

// Len returns the number of accepted entries.
func (m *ColumnMap) Len() int { return len(m.dbToAlias) }

// Knows reports whether name appears on either side of the mapping.
func (m *ColumnMap) Knows(name string) bool {
	if _, ok := m.aliasToDB[name]; ok {
		return true
	}
	_, ok := m.dbToAlias[name]
	return ok
}
