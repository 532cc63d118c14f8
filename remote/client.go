// Package remote is the HTTP client for the system-of-record resource API.
//
// Resources are plain JSON objects addressed as /{resource}/{id}. Lists are
// paged with the envelope {items, page, page_size, total, has_more}; the same
// filter, sort, pagination and expand rules are implemented by ApplyQuery so a
// local cache can reproduce a server response shape exactly.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenFunc returns the bearer token for a request. It may return an empty
// token when the API does not require authentication.
type TokenFunc func(ctx context.Context) (string, error)

// Client talks to the resource API
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// Option customises a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.HTTP = h
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(baseURL string, token TokenFunc, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches one page of a resource collection
func (c *Client) List(ctx context.Context, resource string, q ListQuery) (Page[json.RawMessage], error) {
	var page Page[json.RawMessage]
	path := "/" + resource
	if values := q.Values().Encode(); values != "" {
		path += "?" + values
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return Page[json.RawMessage]{}, err
	}
	if page.Items == nil {
		page.Items = []json.RawMessage{}
	}
	return page, nil
}

// ListAll follows has_more until the whole collection is fetched
func (c *Client) ListAll(ctx context.Context, resource string, q ListQuery) ([]json.RawMessage, error) {
	q = q.Normalized()
	var all []json.RawMessage
	for {
		page, err := c.List(ctx, resource, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore || len(page.Items) == 0 {
			return all, nil
		}
		q.Page++
	}
}

// Get fetches a single entity, embedding the named relations
func (c *Client) Get(ctx context.Context, resource, id string, expand ...string) (json.RawMessage, error) {
	path := entityPath(resource, id)
	if len(expand) > 0 {
		path += "?" + url.Values{"expand": []string{strings.Join(expand, ",")}}.Encode()
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new entity. The idempotency key makes retried creates safe:
// the server returns the originally created entity for a repeated key.
func (c *Client) Create(ctx context.Context, resource, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[HeaderIdempotencyKey] = idempotencyKey
	}
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/"+resource, headers, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a partial update to an entity
func (c *Client) Update(ctx context.Context, resource, id string, patch json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPatch, entityPath(resource, id), nil, patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an entity
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	return c.do(ctx, http.MethodDelete, entityPath(resource, id), nil, nil, nil)
}

// Health checks the API health endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// HeaderIdempotencyKey carries the correlation id of a replayed create
const HeaderIdempotencyKey = "Idempotency-Key"

func entityPath(resource, id string) string {
	return "/" + resource + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body json.RawMessage, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body means the connection dropped mid-response
		if err == io.ErrUnexpectedEOF {
			return &TransportError{Method: method, Path: path, Err: err}
		}
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// ExtractID returns the "id" field of an entity payload
func ExtractID(payload json.RawMessage) (string, error) {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("failed to decode entity: %w", err)
	}
	if len(v.ID) == 0 || string(v.ID) == "null" {
		return "", fmt.Errorf("entity has no id")
	}
	var s string
	if err := json.Unmarshal(v.ID, &s); err == nil {
		return s, nil
	}
	// numeric ids are kept in their JSON text form
	return string(v.ID), nil
}
