package anilist

import (
	"context"
	"fmt"
)

const mediaFields = `id idMal title { romaji english native } format episodes seasonYear`

const entryFields = `id mediaId status progress repeat score notes
	startedAt { year month day } completedAt { year month day }`

const listPageSize = 50

// Viewer returns the authenticated user with their scoring system.
func (c *Client) Viewer(ctx context.Context) (*Viewer, error) {
	const doc = `query {
		Viewer { id name mediaListOptions { scoreFormat } }
	}`
	var out struct {
		Viewer struct {
			ID               int    `json:"id"`
			Name             string `json:"name"`
			MediaListOptions struct {
				ScoreFormat ScoreFormat `json:"scoreFormat"`
			} `json:"mediaListOptions"`
		} `json:"Viewer"`
	}
	if err := c.query(ctx, doc, nil, &out); err != nil {
		return nil, fmt.Errorf("get viewer: %w", err)
	}
	v := &Viewer{
		ID:          out.Viewer.ID,
		Name:        out.Viewer.Name,
		ScoreFormat: out.Viewer.MediaListOptions.ScoreFormat,
	}
	if v.ScoreFormat == "" {
		v.ScoreFormat = ScorePoint10Decimal
	}
	return v, nil
}

// UserList fetches the user's complete anime list, paged. The result is held
// for the duration of a sync; mutations update it locally.
func (c *Client) UserList(ctx context.Context, userID int) (*List, error) {
	const doc = `query ($userId: Int, $page: Int, $perPage: Int) {
		Page(page: $page, perPage: $perPage) {
			pageInfo { hasNextPage }
			mediaList(userId: $userId, type: ANIME, sort: MEDIA_ID) {
				` + entryFields + `
				media { ` + mediaFields + ` }
			}
		}
	}`

	var entries []ListEntry
	for page := 1; ; page++ {
		var out struct {
			Page struct {
				PageInfo struct {
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
				MediaList []ListEntry `json:"mediaList"`
			} `json:"Page"`
		}
		vars := map[string]any{"userId": userID, "page": page, "perPage": listPageSize}
		if err := c.query(ctx, doc, vars, &out); err != nil {
			return nil, fmt.Errorf("get list page %d: %w", page, err)
		}
		entries = append(entries, out.Page.MediaList...)
		if !out.Page.PageInfo.HasNextPage {
			break
		}
	}
	c.logger.Debug("fetched user list", "user_id", userID, "entries", len(entries))
	return NewList(entries), nil
}

// SaveEntry creates or updates a list entry and returns the server's view of
// it. Nil pointer fields are omitted from the mutation, preserving the
// server-side value.
func (c *Client) SaveEntry(ctx context.Context, e *ListEntry) (*ListEntry, error) {
	const doc = `mutation ($mediaId: Int, $status: MediaListStatus, $progress: Int, $repeat: Int,
		$score: Float, $notes: String, $startedAt: FuzzyDateInput, $completedAt: FuzzyDateInput) {
		SaveMediaListEntry(mediaId: $mediaId, status: $status, progress: $progress, repeat: $repeat,
			score: $score, notes: $notes, startedAt: $startedAt, completedAt: $completedAt) {
			` + entryFields + `
		}
	}`
	var out struct {
		SaveMediaListEntry ListEntry `json:"SaveMediaListEntry"`
	}
	if err := c.mutate(ctx, doc, entryVariables(e), &out); err != nil {
		return nil, fmt.Errorf("save entry %d: %w", e.MediaID, err)
	}
	return &out.SaveMediaListEntry, nil
}

func entryVariables(e *ListEntry) map[string]any {
	vars := map[string]any{
		"mediaId":  e.MediaID,
		"progress": e.Progress,
		"repeat":   e.Repeat,
	}
	if e.Status != "" {
		vars["status"] = e.Status
	}
	if e.Score != nil {
		vars["score"] = *e.Score
	}
	if e.Notes != nil {
		vars["notes"] = *e.Notes
	}
	if e.StartedAt != nil && !e.StartedAt.IsZero() {
		vars["startedAt"] = *e.StartedAt
	}
	if e.CompletedAt != nil && !e.CompletedAt.IsZero() {
		vars["completedAt"] = *e.CompletedAt
	}
	return vars
}

// DeleteEntry removes a list entry by its entry ID (not media ID).
func (c *Client) DeleteEntry(ctx context.Context, entryID int) error {
	const doc = `mutation ($id: Int) {
		DeleteMediaListEntry(id: $id) { deleted }
	}`
	var out struct {
		DeleteMediaListEntry struct {
			Deleted bool `json:"deleted"`
		} `json:"DeleteMediaListEntry"`
	}
	if err := c.mutate(ctx, doc, map[string]any{"id": entryID}, &out); err != nil {
		return fmt.Errorf("delete entry %d: %w", entryID, err)
	}
	return nil
}

// SearchMedia searches anime by title. year narrows to a season year when
// positive; limit caps the result count.
func (c *Client) SearchMedia(ctx context.Context, search string, year, limit int) ([]Media, error) {
	const doc = `query ($search: String, $seasonYear: Int, $perPage: Int) {
		Page(page: 1, perPage: $perPage) {
			media(search: $search, seasonYear: $seasonYear, type: ANIME) { ` + mediaFields + ` }
		}
	}`
	if limit <= 0 {
		limit = 10
	}
	vars := map[string]any{"search": search, "perPage": limit}
	if year > 0 {
		vars["seasonYear"] = year
	}
	var out struct {
		Page struct {
			Media []Media `json:"media"`
		} `json:"Page"`
	}
	if err := c.query(ctx, doc, vars, &out); err != nil {
		return nil, fmt.Errorf("search media %q: %w", search, err)
	}
	return out.Page.Media, nil
}

// MediaBatch fetches media by ID, chunked to the page limit.
func (c *Client) MediaBatch(ctx context.Context, ids []int) ([]Media, error) {
	const doc = `query ($ids: [Int], $perPage: Int) {
		Page(page: 1, perPage: $perPage) {
			media(id_in: $ids, type: ANIME) { ` + mediaFields + ` }
		}
	}`
	var result []Media
	for start := 0; start < len(ids); start += listPageSize {
		end := start + listPageSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		var out struct {
			Page struct {
				Media []Media `json:"media"`
			} `json:"Page"`
		}
		vars := map[string]any{"ids": chunk, "perPage": len(chunk)}
		if err := c.query(ctx, doc, vars, &out); err != nil {
			return nil, fmt.Errorf("media batch: %w", err)
		}
		result = append(result, out.Page.Media...)
	}
	return result, nil
}
