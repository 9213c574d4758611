// Package remote adapts the cloud collection store: full reads and
// batched writes over its REST API, and live full-snapshot
// notifications over its websocket. The sync manager never sees
// addressing or transport details; it only consumes GetAll,
// ApplyMutations, ReplaceAll, and Subscribe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alexjbarnes/reader-sync/internal/domain"
	rserrors "github.com/alexjbarnes/reader-sync/internal/errors"
)

const (
	// maxBatchOps caps the total operations (upserts + deletes) in one
	// commit. Oversized mutation sets split into sequential commits so
	// a crash mid-way leaves a consistent prefix applied.
	maxBatchOps = 450

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Session identifies an authenticated user.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Salt   string `json:"salt"`
}

// Client talks to the collection store's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    Session
}

// NewClient creates an API client. If httpClient is nil, a client with
// a 30-second timeout is created.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// Resume attaches a previously issued session and verifies it with an
// authenticated read, so a restart reuses the cached token instead of
// logging in again. On failure the session is cleared and the caller
// falls back to Login.
func (c *Client) Resume(ctx context.Context, s Session) error {
	if s.Token == "" || s.UserID == "" {
		return fmt.Errorf("%w: cached session incomplete", rserrors.ErrInvalidToken)
	}

	c.session = s

	if _, err := c.GetAll(ctx, domain.Settings); err != nil {
		c.session = Session{}
		return fmt.Errorf("verifying cached session: %w", err)
	}

	return nil
}

// Login authenticates with email and password and returns the session.
// The returned salt feeds the key-hash derivation for the subscribe
// handshake.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return Session{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("building login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", rserrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return Session{}, fmt.Errorf("reading login response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Session{}, rserrors.ErrInvalidCredentials
	default:
		return Session{}, fmt.Errorf("%w: login status %d", rserrors.ErrAPIResponse, resp.StatusCode)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decoding login response: %w", err)
	}

	if s.Token == "" || s.UserID == "" {
		return Session{}, fmt.Errorf("%w: login response missing token or user id", rserrors.ErrAPIResponse)
	}

	c.session = s

	return s, nil
}

// GetAll reads the entire remote collection for a domain.
func (c *Client) GetAll(ctx context.Context, d domain.Domain) ([]json.RawMessage, error) {
	var out struct {
		Docs []json.RawMessage `json:"docs"`
	}

	if err := c.doJSON(ctx, http.MethodGet, c.collectionURL(d), nil, &out); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", d, err)
	}

	return out.Docs, nil
}

// commitRequest is one batched write. Deletes are ids; upserts are
// whole documents keyed by their embedded id.
type commitRequest struct {
	Upserts []json.RawMessage `json:"upserts,omitempty"`
	Deletes []string          `json:"deletes,omitempty"`
}

// ApplyMutations writes upserts and deletes for a domain. Mutations
// exceeding the per-commit operation cap split into sequential commits;
// each commit completes before the next starts, so a failure leaves a
// durable prefix rather than a half-written oversized transaction.
// Documents are sanitized (shallow null-field strip) before writing.
func (c *Client) ApplyMutations(ctx context.Context, d domain.Domain, upserts []json.RawMessage, deletes []string) error {
	upserts, err := SanitizeDocs(upserts)
	if err != nil {
		return fmt.Errorf("sanitizing %s upserts: %w", d, err)
	}

	for len(upserts) > 0 || len(deletes) > 0 {
		var chunk commitRequest

		budget := maxBatchOps

		take := min(budget, len(upserts))
		chunk.Upserts, upserts = upserts[:take], upserts[take:]
		budget -= take

		take = min(budget, len(deletes))
		chunk.Deletes, deletes = deletes[:take], deletes[take:]

		if err := c.doJSON(ctx, http.MethodPost, c.collectionURL(d)+"/commit", chunk, nil); err != nil {
			return fmt.Errorf("committing %s batch: %w", d, err)
		}
	}

	return nil
}

// ReplaceAll overwrites the remote collection wholesale. Used by the
// blob-style domains that mutate as whole replacements.
func (c *Client) ReplaceAll(ctx context.Context, d domain.Domain, docs []json.RawMessage) error {
	docs, err := SanitizeDocs(docs)
	if err != nil {
		return fmt.Errorf("sanitizing %s docs: %w", d, err)
	}

	body := struct {
		Docs []json.RawMessage `json:"docs"`
	}{Docs: docs}

	if err := c.doJSON(ctx, http.MethodPut, c.collectionURL(d), body, nil); err != nil {
		return fmt.Errorf("replacing %s: %w", d, err)
	}

	return nil
}

func (c *Client) collectionURL(d domain.Domain) string {
	return c.baseURL + "/v1/users/" + c.session.UserID + "/collections/" + string(d)
}

// doJSON performs an authenticated JSON request. A nil out skips
// response decoding.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.session.Token)

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", rserrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusUnauthorized:
		return rserrors.ErrInvalidToken
	default:
		return fmt.Errorf("%w: status %d", rserrors.ErrAPIResponse, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
