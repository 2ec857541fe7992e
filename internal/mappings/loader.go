package mappings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// includesKey marks the list of additional mapping files a document pulls in.
const includesKey = "$includes"

// rawEntry holds one mapping record's fields before merging. A field present
// with JSON null is an explicit erasure in override documents.
type rawEntry map[string]json.RawMessage

// sourceDoc is one parsed mapping file.
type sourceDoc struct {
	ref     string
	entries map[int]rawEntry
}

// Loader fetches mapping documents, resolves $includes and merges the result
// into the final record set. Includes are resolved here, during database
// sync, never during a profile sync.
type Loader struct {
	httpClient *http.Client
	dataPath   string
	logger     *slog.Logger
}

// NewLoader creates a loader. dataPath anchors relative include paths and is
// where the user's mappings.custom.* file lives.
func NewLoader(dataPath string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dataPath:   dataPath,
		logger:     logger.With("component", "mappings"),
	}
}

// Override is an API-managed record fragment applied after file sources.
type Override struct {
	AnilistID int
	Payload   json.RawMessage
	Learned   bool
}

// Load materializes the full mapping set: the authoritative source (with its
// transitive includes, earliest writer winning per field), then the custom
// file, then API overrides (explicit values replace, null erases).
func (l *Loader) Load(ctx context.Context, sourceURL string, overrides []Override) ([]Mapping, error) {
	seen := make(map[string]bool)
	docs, err := l.resolve(ctx, sourceURL, seen)
	if err != nil {
		return nil, err
	}

	merged := make(map[int]rawEntry)
	sources := make(map[int][]string)
	custom := make(map[int]bool)
	ranks := make(map[string]int)
	rankOf := func(ref string) int {
		if r, ok := ranks[ref]; ok {
			return r
		}
		r := len(ranks)
		ranks[ref] = r
		return r
	}

	for _, doc := range docs {
		rankOf(doc.ref)
		for id, entry := range doc.entries {
			mergeAuthoritative(merged, sources, id, entry, doc.ref)
		}
	}

	customPath, customDocs, err := l.loadCustom(ctx, seen)
	if err != nil {
		return nil, err
	}
	for _, doc := range customDocs {
		rankOf(doc.ref)
		for id, entry := range doc.entries {
			applyOverride(merged, sources, custom, id, entry, doc.ref)
		}
	}
	if customPath != "" {
		l.logger.Debug("applied custom mappings", "path", customPath)
	}

	for _, ov := range overrides {
		entry, err := decodeEntry(ov.Payload)
		if err != nil {
			l.logger.Warn("skipping invalid stored override", "anilist_id", ov.AnilistID, "error", err)
			continue
		}
		ref := "override"
		if ov.Learned {
			ref = "learned"
		}
		rankOf(ref)
		applyOverride(merged, sources, custom, ov.AnilistID, entry, ref)
	}

	result := make([]Mapping, 0, len(merged))
	for id, entry := range merged {
		m, err := buildMapping(id, entry)
		if err != nil {
			l.logger.Warn("skipping invalid mapping record", "anilist_id", id, "error", err)
			continue
		}
		m.Sources = sources[id]
		if len(m.Sources) > 0 {
			m.SourceRank = rankOf(m.Sources[0])
		}
		m.Custom = custom[id]
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AnilistID < result[j].AnilistID })
	return result, nil
}

// resolve loads ref and, depth-first, every document it includes. The
// document's own entries come before its includes in the returned order, so
// an earlier (outer) source wins over what it pulls in.
func (l *Loader) resolve(ctx context.Context, ref string, seen map[string]bool) ([]sourceDoc, error) {
	canonical := l.canonicalRef(ref)
	if seen[canonical] {
		l.logger.Warn("include cycle detected, skipping", "ref", ref)
		return nil, nil
	}
	seen[canonical] = true

	data, err := l.fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("mapping source %s: %w", ref, err)
	}

	entries, includes, err := parseDocument(data, formatOf(ref))
	if err != nil {
		return nil, fmt.Errorf("mapping source %s: %w", ref, err)
	}

	docs := []sourceDoc{{ref: canonical, entries: entries}}
	for _, inc := range includes {
		sub, err := l.resolve(ctx, l.resolveRelative(ref, inc), seen)
		if err != nil {
			return nil, err
		}
		docs = append(docs, sub...)
	}
	return docs, nil
}

func (l *Loader) loadCustom(ctx context.Context, seen map[string]bool) (string, []sourceDoc, error) {
	for _, ext := range []string{"json", "yaml", "yml", "toml"} {
		path := filepath.Join(l.dataPath, "mappings.custom."+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		docs, err := l.resolve(ctx, path, seen)
		if err != nil {
			return "", nil, err
		}
		return path, docs, nil
	}
	return "", nil, nil
}

func (l *Loader) fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	}
	return os.ReadFile(ref)
}

func (l *Loader) canonicalRef(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return ref
	}
	return abs
}

// resolveRelative anchors a relative include against its parent document.
func (l *Loader) resolveRelative(parent, inc string) string {
	if strings.HasPrefix(inc, "http://") || strings.HasPrefix(inc, "https://") {
		return inc
	}
	if strings.HasPrefix(parent, "http://") || strings.HasPrefix(parent, "https://") {
		base, err := url.Parse(parent)
		if err != nil {
			return inc
		}
		rel, err := url.Parse(inc)
		if err != nil {
			return inc
		}
		return base.ResolveReference(rel).String()
	}
	if filepath.IsAbs(inc) {
		return inc
	}
	return filepath.Join(filepath.Dir(parent), inc)
}

func formatOf(ref string) string {
	switch strings.ToLower(filepath.Ext(strings.TrimSuffix(ref, "/"))) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// parseDocument decodes a mapping file into per-record raw entries plus its
// include list. YAML and TOML documents are normalized through generic maps
// so all formats merge identically.
func parseDocument(data []byte, format string) (map[int]rawEntry, []string, error) {
	var generic map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, nil, fmt.Errorf("parse yaml: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &generic); err != nil {
			return nil, nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		// Decode through json.RawMessage first to preserve explicit nulls.
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse json: %w", err)
		}
		return splitJSONDocument(doc)
	}

	// Round-trip through JSON; nil map values survive as explicit nulls.
	encoded, err := json.Marshal(generic)
	if err != nil {
		return nil, nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, nil, err
	}
	return splitJSONDocument(doc)
}

func splitJSONDocument(doc map[string]json.RawMessage) (map[int]rawEntry, []string, error) {
	entries := make(map[int]rawEntry, len(doc))
	var includes []string

	for key, raw := range doc {
		if key == includesKey {
			if err := json.Unmarshal(raw, &includes); err != nil {
				return nil, nil, fmt.Errorf("%s must be an array of strings: %w", includesKey, err)
			}
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, nil, fmt.Errorf("record key %q is not an AniList ID", key)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", id, err)
		}
		entries[id] = entry
	}
	return entries, includes, nil
}

func decodeEntry(raw json.RawMessage) (rawEntry, error) {
	var entry rawEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("record must be an object: %w", err)
	}
	return entry, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// mergeAuthoritative applies earliest-writer-wins per field. Null fields in
// authoritative sources are ignored.
func mergeAuthoritative(merged map[int]rawEntry, sources map[int][]string, id int, entry rawEntry, ref string) {
	dst, ok := merged[id]
	if !ok {
		dst = make(rawEntry, len(entry))
		merged[id] = dst
	}
	contributed := false
	for field, value := range entry {
		if isNull(value) {
			continue
		}
		if _, exists := dst[field]; !exists {
			dst[field] = value
			contributed = true
		}
	}
	if contributed || !ok {
		sources[id] = appendSource(sources[id], ref)
	}
}

// applyOverride shallow-merges an override: an explicit value replaces the
// field, an explicit null erases it, omission preserves the base.
func applyOverride(merged map[int]rawEntry, sources map[int][]string, custom map[int]bool, id int, entry rawEntry, ref string) {
	dst, ok := merged[id]
	if !ok {
		dst = make(rawEntry, len(entry))
		merged[id] = dst
	}
	for field, value := range entry {
		if isNull(value) {
			delete(dst, field)
			continue
		}
		dst[field] = value
	}
	custom[id] = true
	sources[id] = appendSource(sources[id], ref)
}

func appendSource(list []string, ref string) []string {
	for _, s := range list {
		if s == ref {
			return list
		}
	}
	return append(list, ref)
}

// buildMapping decodes a merged raw entry into a Mapping and validates its
// episode range expressions.
func buildMapping(id int, entry rawEntry) (Mapping, error) {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return Mapping{}, err
	}
	var m Mapping
	if err := json.Unmarshal(encoded, &m); err != nil {
		return Mapping{}, err
	}
	m.AnilistID = id

	for _, table := range []map[string]string{m.TvdbMappings, m.TmdbMappings} {
		for season, expr := range table {
			if !strings.HasPrefix(season, "s") {
				return Mapping{}, fmt.Errorf("bad season key %q", season)
			}
			if _, err := strconv.Atoi(season[1:]); err != nil {
				return Mapping{}, fmt.Errorf("bad season key %q", season)
			}
			if _, err := ParseRange(expr); err != nil {
				return Mapping{}, err
			}
		}
	}
	return m, nil
}
