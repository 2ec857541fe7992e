package plex

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	onlineBaseURL = "https://metadata.provider.plex.tv"
	plexTVBaseURL = "https://plex.tv"

	defaultPageSize   = 200
	defaultMaxRetries = 3
)

// Sentinel errors for Plex API responses.
var (
	ErrNotFound     = errors.New("plex: item not found")
	ErrUnauthorized = errors.New("plex: invalid or expired token")
)

// Client talks to one Plex Media Server on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	online     bool
	httpClient *http.Client
	logger     *slog.Logger
	cache      *Cache
	maxRetries int
	pageSize   int
	identifier string
	onlineURL  string
	plexTVURL  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets a logger for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "plex") }
}

// WithCache attaches a metadata cache.
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithOnlineMetadata reads item metadata and watch state from plex.tv's
// online metadata endpoint instead of the server, for cross-server
// consistency. onlineURL overrides the endpoint for testing; pass "" for
// the default.
func WithOnlineMetadata(onlineURL string) Option {
	return func(c *Client) {
		c.online = true
		if onlineURL != "" {
			c.onlineURL = strings.TrimRight(onlineURL, "/")
		}
	}
}

// WithPlexTVURL overrides the plex.tv endpoint (for testing).
func WithPlexTVURL(u string) Option {
	return func(c *Client) { c.plexTVURL = strings.TrimRight(u, "/") }
}

// WithPageSize sets the container page size used during iteration.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a client for the server at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: defaultMaxRetries,
		pageSize:   defaultPageSize,
		identifier: "plexanibridge",
		onlineURL:  onlineBaseURL,
		plexTVURL:  plexTVBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "plex")
	}
	return c
}

// WithToken returns a copy of the client authenticating with a different
// token, sharing the HTTP client and cache. Used after a home-user switch.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("X-Plex-Client-Identifier", c.identifier)
	req.Header.Set("X-Plex-Product", "PlexAniBridge")
	req.Header.Set("Accept", "application/xml")
}

// get fetches a path with retries. Connection errors and 5xx responses back
// off with jitter; 401 and 404 surface immediately as sentinel errors.
func (c *Client) get(ctx context.Context, base, path string, query url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				return nil, err
			}
			c.logger.Debug("retrying request", "path", path, "attempt", attempt)
		}
		body, retryable, err := c.getOnce(ctx, base, path, query)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, base, path string, query url.Values) ([]byte, bool, error) {
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer drainBody(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, false, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("plex returned status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("plex returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

// ListSections returns the server's library sections.
func (c *Client) ListSections(ctx context.Context) ([]Section, error) {
	body, err := c.get(ctx, c.baseURL, "/library/sections", nil)
	if err != nil {
		return nil, err
	}
	var sc sectionContainer
	if err := xml.Unmarshal(body, &sc); err != nil {
		return nil, fmt.Errorf("parse sections: %w", err)
	}
	sections := make([]Section, 0, len(sc.Directories))
	for _, d := range sc.Directories {
		sections = append(sections, Section{
			Key:   d.Key,
			Type:  ItemType(d.Type),
			Title: d.Title,
			Agent: d.Agent,
		})
	}
	return sections, nil
}

// FetchMetadata returns full metadata for a single rating key. In online
// mode the item's plex.tv guid is fetched from the metadata provider
// instead; the two modes yield the same Item shape.
func (c *Client) FetchMetadata(ctx context.Context, ratingKey string) (*Item, error) {
	cacheKey := c.cacheKey("metadata", ratingKey)
	if c.cache != nil {
		if it, ok := c.cache.Get(ctx, cacheKey); ok {
			return it, nil
		}
	}

	items, err := c.fetchItems(ctx, "/library/metadata/"+url.PathEscape(ratingKey), nil, "")
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	it := items[0]
	if c.cache != nil {
		c.cache.Put(ctx, cacheKey, &it)
	}
	return &it, nil
}

// InvalidateMetadata drops the cached metadata for a rating key so the next
// FetchMetadata reads fresh watch state. Webhook syncs call this for the
// triggering item, whose state just changed on the server.
func (c *Client) InvalidateMetadata(ctx context.Context, ratingKey string) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(ctx, c.cacheKey("metadata", ratingKey))
}

// Children returns an item's children (seasons of a show, episodes of a
// season) in rating-key order.
func (c *Client) Children(ctx context.Context, ratingKey string) ([]Item, error) {
	return c.fetchItems(ctx, "/library/metadata/"+url.PathEscape(ratingKey)+"/children", nil, "")
}

// ContinueWatching returns the user's on-deck items.
func (c *Client) ContinueWatching(ctx context.Context) ([]Item, error) {
	return c.fetchItems(ctx, "/hubs/continueWatching/items", nil, "")
}

// Watchlist returns the user's plex.tv watchlist.
func (c *Client) Watchlist(ctx context.Context) ([]Item, error) {
	body, err := c.get(ctx, c.onlineURL, "/library/sections/watchlist/all", nil)
	if err != nil {
		return nil, err
	}
	return parseItems(body, "")
}

func (c *Client) fetchItems(ctx context.Context, path string, query url.Values, sectionKey string) ([]Item, error) {
	base := c.baseURL
	if c.online && strings.HasPrefix(path, "/library/metadata/") {
		base = c.onlineURL
	}
	body, err := c.get(ctx, base, path, query)
	if err != nil {
		return nil, err
	}
	return parseItems(body, sectionKey)
}

func parseItems(body []byte, sectionKey string) ([]Item, error) {
	var mc container
	if err := xml.Unmarshal(body, &mc); err != nil {
		return nil, fmt.Errorf("parse container: %w", err)
	}
	items := make([]Item, 0, len(mc.Videos)+len(mc.Directories))
	for _, x := range mc.Videos {
		items = append(items, x.toItem(sectionKey))
	}
	for _, x := range mc.Directories {
		if x.RatingKey == "" {
			continue
		}
		items = append(items, x.toItem(sectionKey))
	}
	return items, nil
}

// cacheKey namespaces entries by metadata mode. Lookups arrive by rating
// key; in online mode that key is the metadata provider's stable identifier
// taken from the item's plex.tv guid.
func (c *Client) cacheKey(kind, key string) string {
	if c.online {
		return "online:" + kind + ":" + key
	}
	return kind + ":" + key
}

func retryDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond << (attempt - 1)
	return base + time.Duration(rand.Int63n(int64(base)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
