package projectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Store backed by a remote project store speaking the API served
// by Handler.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(roomID string) string {
	return "/api/rooms/" + url.PathEscape(roomID)
}

func (c *Client) Get(ctx context.Context, roomID string) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodGet, roomPath(roomID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Put(ctx context.Context, p *Project) (*Project, error) {
	var saved Project
	if err := c.do(ctx, http.MethodPost, "/api/rooms", p, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (c *Client) Delete(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
}

func (c *Client) Patch(ctx context.Context, roomID string, patch Patch) (*Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodPatch, roomPath(roomID), patch, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	var projects []*Project
	err := c.do(ctx, http.MethodGet, "/api/rooms?ownerId="+url.QueryEscape(ownerID), nil, &projects)
	return projects, err
}
