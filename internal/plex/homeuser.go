package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type homeUsersResponse struct {
	Users []homeUser `json:"users"`
}

type homeUser struct {
	ID       int    `json:"id"`
	UUID     string `json:"uuid"`
	Title    string `json:"title"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

type switchResponse struct {
	AuthToken string `json:"authToken"`
}

// ResolveHomeUser switches to the named Plex Home user and returns a client
// authenticating as them. The name matches username or title,
// case-insensitively. If the name identifies the account owner (admin) the
// receiver is returned unchanged.
func (c *Client) ResolveHomeUser(ctx context.Context, name string) (*Client, error) {
	if name == "" {
		return c, nil
	}

	users, err := c.homeUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list home users: %w", err)
	}

	var target *homeUser
	for i := range users {
		u := &users[i]
		if strings.EqualFold(u.Username, name) || strings.EqualFold(u.Title, name) {
			target = u
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("home user %q not found", name)
	}
	if target.Admin {
		return c, nil
	}

	token, err := c.switchUser(ctx, target.UUID)
	if err != nil {
		return nil, fmt.Errorf("switch to home user %q: %w", name, err)
	}
	c.logger.Debug("switched to home user", "user", name)
	return c.WithToken(token), nil
}

func (c *Client) homeUsers(ctx context.Context) ([]homeUser, error) {
	body, err := c.plexTVRequest(ctx, http.MethodGet, "/api/v2/home/users")
	if err != nil {
		return nil, err
	}
	var resp homeUsersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse home users: %w", err)
	}
	return resp.Users, nil
}

func (c *Client) switchUser(ctx context.Context, uuid string) (string, error) {
	body, err := c.plexTVRequest(ctx, http.MethodPost, "/api/v2/home/users/"+url.PathEscape(uuid)+"/switch")
	if err != nil {
		return "", err
	}
	var resp switchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse switch response: %w", err)
	}
	if resp.AuthToken == "" {
		return "", fmt.Errorf("switch response missing token")
	}
	return resp.AuthToken, nil
}

func (c *Client) plexTVRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.plexTVURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainBody(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("plex.tv returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}
