package mappings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Booru-style search over the mappings store. Terms juxtaposed are ANDed,
// "|" is infix OR, "~" marks a term as part of an OR group, "-" negates,
// parentheses group. Field terms use "field:value" with comparison, range
// and wildcard forms; bare terms search AniList titles through the FTS
// index.

type fieldKind int

const (
	kindInt fieldKind = iota
	kindIntList
	kindStringList
	kindBool
	kindSource
)

type fieldSpec struct {
	column string
	kind   fieldKind
}

var queryFields = map[string]fieldSpec{
	"anilist_id":    {"anilist_id", kindInt},
	"anidb_id":      {"anidb_id", kindInt},
	"tvdb_id":       {"tvdb_id", kindInt},
	"mal_id":        {"mal_id", kindIntList},
	"tmdb_movie_id": {"tmdb_movie_id", kindIntList},
	"tmdb_show_id":  {"tmdb_show_id", kindIntList},
	"imdb_id":       {"imdb_id", kindStringList},
	"custom":        {"custom", kindBool},
	"source":        {"sources", kindSource},
	"tvdb_mappings": {"tvdb_mappings", kindSource},
	"tmdb_mappings": {"tmdb_mappings", kindSource},
}

// FieldCapability describes one searchable field for UI autocompletion.
type FieldCapability struct {
	Field     string   `json:"field"`
	Operators []string `json:"operators"`
}

// FieldCapabilities enumerates the query engine's schema so clients need
// not hardcode it.
func FieldCapabilities() []FieldCapability {
	caps := make([]FieldCapability, 0, len(queryFields)+1)
	for name, spec := range queryFields {
		var ops []string
		switch spec.kind {
		case kindInt, kindIntList:
			ops = []string{":", ":>", ":>=", ":<", ":<=", ":n..m", "has:"}
		case kindStringList:
			ops = []string{":", ":wildcard", "has:"}
		case kindBool:
			ops = []string{":"}
		case kindSource:
			ops = []string{":", ":wildcard", "has:"}
		}
		caps = append(caps, FieldCapability{Field: name, Operators: ops})
	}
	caps = append(caps, FieldCapability{Field: "<free text>", Operators: []string{"title search"}})
	sortCaps(caps)
	return caps
}

func sortCaps(caps []FieldCapability) {
	for i := 1; i < len(caps); i++ {
		for j := i; j > 0 && caps[j].Field < caps[j-1].Field; j-- {
			caps[j], caps[j-1] = caps[j-1], caps[j]
		}
	}
}

// Search runs a query expression against the store.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Mapping, error) {
	if limit <= 0 {
		limit = 50
	}
	node, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	cond := `1=1`
	var args []any
	if node != nil {
		cond, args, err = node.sql()
		if err != nil {
			return nil, err
		}
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM mappings WHERE `+cond+` ORDER BY anilist_id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- AST ---

type queryNode interface {
	sql() (string, []any, error)
}

type andNode struct{ children []queryNode }
type orNode struct{ children []queryNode }
type notNode struct{ child queryNode }
type fieldNode struct {
	spec  fieldSpec
	field string
	value string
}
type hasNode struct{ field string }
type textNode struct{ term string }

func (n *andNode) sql() (string, []any, error) { return joinNodes(n.children, " AND ") }
func (n *orNode) sql() (string, []any, error)  { return joinNodes(n.children, " OR ") }

func (n *notNode) sql() (string, []any, error) {
	inner, args, err := n.child.sql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + inner + ")", args, nil
}

func joinNodes(children []queryNode, sep string) (string, []any, error) {
	if len(children) == 1 {
		return children[0].sql()
	}
	parts := make([]string, 0, len(children))
	var args []any
	for _, c := range children {
		cond, a, err := c.sql()
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, cond)
		args = append(args, a...)
	}
	return "(" + strings.Join(parts, sep) + ")", args, nil
}

func (n *hasNode) sql() (string, []any, error) {
	spec, ok := queryFields[n.field]
	if !ok {
		return "", nil, fmt.Errorf("has: unknown field %q", n.field)
	}
	switch spec.kind {
	case kindIntList, kindStringList:
		return spec.column + " IS NOT NULL AND json_array_length(" + spec.column + ") > 0", nil, nil
	default:
		return spec.column + " IS NOT NULL", nil, nil
	}
}

func (n *textNode) sql() (string, []any, error) {
	return `anilist_id IN (SELECT anilist_id FROM mappings_fts WHERE mappings_fts MATCH ?)`,
		[]any{ftsMatch(n.term)}, nil
}

// ftsMatch builds a prefix match expression, quoting the term so FTS syntax
// characters in titles cannot break the query.
func ftsMatch(term string) string {
	escaped := strings.ReplaceAll(term, `"`, `""`)
	return `"` + escaped + `"*`
}

func (n *fieldNode) sql() (string, []any, error) {
	v := n.value
	switch n.spec.kind {
	case kindBool:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return n.spec.column + " = 1", nil, nil
		case "false", "0", "no":
			return n.spec.column + " = 0", nil, nil
		}
		return "", nil, fmt.Errorf("%s: expected boolean, got %q", n.field, v)

	case kindInt:
		return scalarCondition(n.spec.column, n.field, v)

	case kindIntList:
		cond, args, err := scalarCondition("json_each.value", n.field, v)
		if err != nil {
			return "", nil, err
		}
		return n.spec.column + " IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings." + n.spec.column + ") WHERE " + cond + ")",
			args, nil

	case kindStringList:
		if isWildcard(v) {
			return n.spec.column + " IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings." + n.spec.column + ") WHERE json_each.value LIKE ? ESCAPE '\\')",
				[]any{wildcardToLike(v)}, nil
		}
		return n.spec.column + " IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(mappings." + n.spec.column + ") WHERE json_each.value = ?)",
			[]any{v}, nil

	case kindSource:
		if isWildcard(v) {
			return n.spec.column + " LIKE ? ESCAPE '\\'", []any{"%" + trimOuterWild(wildcardToLike(v)) + "%"}, nil
		}
		return n.spec.column + " LIKE ?", []any{"%" + v + "%"}, nil
	}
	return "", nil, fmt.Errorf("%s: unsupported field", n.field)
}

// scalarCondition handles eq, comparison and range forms on a numeric column.
func scalarCondition(column, field, v string) (string, []any, error) {
	switch {
	case strings.HasPrefix(v, ">="):
		n, err := parseInt(field, v[2:])
		return column + " >= ?", []any{n}, err
	case strings.HasPrefix(v, "<="):
		n, err := parseInt(field, v[2:])
		return column + " <= ?", []any{n}, err
	case strings.HasPrefix(v, ">"):
		n, err := parseInt(field, v[1:])
		return column + " > ?", []any{n}, err
	case strings.HasPrefix(v, "<"):
		n, err := parseInt(field, v[1:])
		return column + " < ?", []any{n}, err
	case strings.Contains(v, ".."):
		bounds := strings.SplitN(v, "..", 2)
		lo, err := parseInt(field, bounds[0])
		if err != nil {
			return "", nil, err
		}
		hi, err := parseInt(field, bounds[1])
		if err != nil {
			return "", nil, err
		}
		return column + " BETWEEN ? AND ?", []any{lo, hi}, nil
	default:
		n, err := parseInt(field, v)
		return column + " = ?", []any{n}, err
	}
}

func parseInt(field, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: expected number, got %q", field, s)
	}
	return n, nil
}

func isWildcard(v string) bool {
	return strings.ContainsAny(v, "*?")
}

func wildcardToLike(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func trimOuterWild(s string) string {
	return strings.Trim(s, "%")
}

// --- parser ---

type tokenizer struct {
	tokens []string
	pos    int
}

func tokenize(query string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range query {
		switch r {
		case '(', ')', '|':
			flush()
			tokens = append(tokens, string(r))
		case ' ', '\t', '\n':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func (t *tokenizer) peek() string {
	if t.pos >= len(t.tokens) {
		return ""
	}
	return t.tokens[t.pos]
}

func (t *tokenizer) next() string {
	tok := t.peek()
	t.pos++
	return tok
}

// parseQuery returns nil for an empty expression.
func parseQuery(query string) (queryNode, error) {
	t := &tokenizer{tokens: tokenize(query)}
	if len(t.tokens) == 0 {
		return nil, nil
	}
	node, err := parseSequence(t)
	if err != nil {
		return nil, err
	}
	if t.peek() == ")" {
		return nil, fmt.Errorf("unbalanced ')'")
	}
	return node, nil
}

// parseSequence parses terms until ')' or end of input. Juxtaposed terms
// AND together; "~"-prefixed terms within the sequence form one OR group.
func parseSequence(t *tokenizer) (queryNode, error) {
	var andTerms []queryNode
	var tildeTerms []queryNode

	for {
		tok := t.peek()
		if tok == "" || tok == ")" {
			break
		}
		tilde := false
		node, err := parseOr(t, &tilde)
		if err != nil {
			return nil, err
		}
		if tilde {
			tildeTerms = append(tildeTerms, node)
		} else {
			andTerms = append(andTerms, node)
		}
	}

	if len(tildeTerms) > 0 {
		andTerms = append(andTerms, &orNode{children: tildeTerms})
	}
	switch len(andTerms) {
	case 0:
		return nil, fmt.Errorf("empty expression")
	case 1:
		return andTerms[0], nil
	default:
		return &andNode{children: andTerms}, nil
	}
}

// parseOr parses a term optionally chained with infix "|".
func parseOr(t *tokenizer, tilde *bool) (queryNode, error) {
	left, err := parseUnary(t, tilde)
	if err != nil {
		return nil, err
	}
	if t.peek() != "|" {
		return left, nil
	}
	children := []queryNode{left}
	for t.peek() == "|" {
		t.next()
		right, err := parseUnary(t, tilde)
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	return &orNode{children: children}, nil
}

func parseUnary(t *tokenizer, tilde *bool) (queryNode, error) {
	tok := t.peek()
	if tok == "" || tok == ")" || tok == "|" {
		return nil, fmt.Errorf("unexpected %q", tok)
	}

	negate := false
	if tok != "(" {
		word := t.next()
		stripped := word
		for {
			if strings.HasPrefix(stripped, "-") {
				negate = !negate
				stripped = stripped[1:]
				continue
			}
			if strings.HasPrefix(stripped, "~") {
				*tilde = true
				stripped = stripped[1:]
				continue
			}
			break
		}
		if stripped != "" {
			node, err := parseTerm(stripped)
			if err != nil {
				return nil, err
			}
			if negate {
				node = &notNode{child: node}
			}
			return node, nil
		}
		// Bare prefix applies to a following group: "-(" arrives as
		// "-" then "(".
		if t.peek() != "(" {
			return nil, fmt.Errorf("dangling prefix %q", word)
		}
	}

	t.next() // consume "("
	node, err := parseSequence(t)
	if err != nil {
		return nil, err
	}
	if t.next() != ")" {
		return nil, fmt.Errorf("missing ')'")
	}
	if negate {
		node = &notNode{child: node}
	}
	return node, nil
}

func parseTerm(word string) (queryNode, error) {
	if word == "" {
		return nil, fmt.Errorf("empty term")
	}
	colon := strings.Index(word, ":")
	if colon < 0 {
		return &textNode{term: word}, nil
	}

	field := word[:colon]
	value := word[colon+1:]
	if value == "" {
		return nil, fmt.Errorf("%s: missing value", field)
	}

	if field == "has" {
		if _, ok := queryFields[value]; !ok {
			return nil, fmt.Errorf("has: unknown field %q", value)
		}
		return &hasNode{field: value}, nil
	}

	spec, ok := queryFields[field]
	if !ok {
		// Unknown field falls through to title search, matching the
		// forgiving behavior of booru engines.
		return &textNode{term: word}, nil
	}
	return &fieldNode{spec: spec, field: field, value: value}, nil
}
