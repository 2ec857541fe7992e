package anilist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// entryVarDecls mirrors the SaveMediaListEntry argument list; each batched
// mutation gets a numbered copy of these variables.
var entryVarDecls = []struct {
	name string
	typ  string
}{
	{"mediaId", "Int"},
	{"status", "MediaListStatus"},
	{"progress", "Int"},
	{"repeat", "Int"},
	{"score", "Float"},
	{"notes", "String"},
	{"startedAt", "FuzzyDateInput"},
	{"completedAt", "FuzzyDateInput"},
}

// SaveEntries applies a set of list mutations. Entries are coalesced into
// aliased batch documents of at most the configured batch size; a failed
// batch falls back to per-item saves so one bad entry cannot poison the
// rest. Results are returned in input order with nil holes for failures,
// alongside the joined per-item errors.
func (c *Client) SaveEntries(ctx context.Context, entries []*ListEntry) ([]*ListEntry, error) {
	results := make([]*ListEntry, len(entries))
	var errs []error

	for start := 0; start < len(entries); start += c.batchSize {
		end := start + c.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		saved, err := c.saveBatch(ctx, chunk)
		if err != nil {
			c.logger.Warn("batch save failed, falling back to per-item", "size", len(chunk), "error", err)
			for i, e := range chunk {
				one, err := c.SaveEntry(ctx, e)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				results[start+i] = one
			}
			continue
		}
		copy(results[start:end], saved)
	}
	return results, errors.Join(errs...)
}

// saveBatch coalesces the chunk into one GraphQL document using aliases
// m0..mN over numbered variables.
func (c *Client) saveBatch(ctx context.Context, chunk []*ListEntry) ([]*ListEntry, error) {
	if len(chunk) == 1 {
		one, err := c.SaveEntry(ctx, chunk[0])
		if err != nil {
			return nil, err
		}
		return []*ListEntry{one}, nil
	}

	var decls, body strings.Builder
	vars := make(map[string]any, len(chunk)*4)

	for i, e := range chunk {
		n := strconv.Itoa(i)
		entryVars := entryVariables(e)
		for _, d := range entryVarDecls {
			if decls.Len() > 0 {
				decls.WriteString(", ")
			}
			decls.WriteString("$" + d.name + n + ": " + d.typ)
			if v, ok := entryVars[d.name]; ok {
				vars[d.name+n] = v
			}
		}

		body.WriteString("m" + n + ": SaveMediaListEntry(")
		for j, d := range entryVarDecls {
			if j > 0 {
				body.WriteString(", ")
			}
			body.WriteString(d.name + ": $" + d.name + n)
		}
		body.WriteString(") { " + entryFields + " }\n")
	}

	doc := "mutation (" + decls.String() + ") {\n" + body.String() + "}"

	var out map[string]json.RawMessage
	if err := c.mutate(ctx, doc, vars, &out); err != nil {
		return nil, err
	}

	saved := make([]*ListEntry, len(chunk))
	for i := range chunk {
		raw, ok := out["m"+strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("batch response missing alias m%d", i)
		}
		var e ListEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode batch alias m%d: %w", i, err)
		}
		saved[i] = &e
	}
	return saved, nil
}
