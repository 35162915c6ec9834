package odata

import (
	"regexp"
	"sort"
	"strings"
)

// rewriter replaces whole-word alias occurrences with database columns.
// Token boundaries are [A-Za-z0-9_], so an alias never matches inside a
// longer identifier ("Code" does not match in "ProductCode").
type rewriter struct {
	re      *regexp.Regexp
	mapping map[string]string
}

func (m *ColumnMap) rewriter() *rewriter {
	m.rwOnce.Do(func() {
		aliases := make([]string, 0, len(m.aliasToDB))
		for alias, db := range m.aliasToDB {
			if alias != db {
				aliases = append(aliases, alias)
			}
		}
		if len(aliases) == 0 {
			m.rw = &rewriter{}
			return
		}
		// Longest alias first so overlapping names resolve to the longest match.
		sort.Slice(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })
		quoted := make([]string, len(aliases))
		for i, a := range aliases {
			quoted[i] = regexp.QuoteMeta(a)
		}
		m.rw = &rewriter{
			re:      regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`),
			mapping: m.aliasToDB,
		}
	})
	return m.rw
}

func (rw *rewriter) replace(s string) string {
	if rw.re == nil {
		return s
	}
	return rw.re.ReplaceAllStringFunc(s, func(tok string) string {
		if db, ok := rw.mapping[tok]; ok {
			return db
		}
		return tok
	})
}

// RewriteFilter maps alias occurrences in a $filter expression to database
// columns. Text inside single-quoted string literals is left untouched.
func (m *ColumnMap) RewriteFilter(filter string) string {
	if filter == "" || m.Len() == 0 {
		return filter
	}
	rw := m.rewriter()

	var out strings.Builder
	rest := filter
	for {
		quote := strings.IndexByte(rest, '\'')
		if quote < 0 {
			out.WriteString(rw.replace(rest))
			return out.String()
		}
		out.WriteString(rw.replace(rest[:quote]))

		// Copy the literal verbatim, honouring '' escapes.
		i := quote + 1
		for i < len(rest) {
			if rest[i] == '\'' {
				if i+1 < len(rest) && rest[i+1] == '\'' {
					i += 2
					continue
				}
				i++
				break
			}
			i++
		}
		out.WriteString(rest[quote:i])
		rest = rest[i:]
	}
}

// RewriteColumnList maps aliases in a comma-separated column list such as
// $select or $orderby, preserving asc/desc suffixes and spacing.
func (m *ColumnMap) RewriteColumnList(list string) string {
	if list == "" || m.Len() == 0 {
		return list
	}
	return m.rewriter().replace(list)
}
