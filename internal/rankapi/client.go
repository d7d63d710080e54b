// Package rankapi is a Go client for the rankrelay HTTP API. Every call goes
// through a resilient.Client so integrators get the same retry, backoff and
// caching behaviour the service applies to its own upstream.
package rankapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/rank"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/roles"
	"rankrelay.org/internal/undo"
)

const headerAPIKey = "X-API-Key"

// APIError is a failure envelope returned by the service.
type APIError struct {
	Status    int    `json:"-"`
	Kind      string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`

	cause *resilient.StatusError
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("rankrelay %d %s: %s (request %s)", e.Status, e.Kind, e.Message, e.RequestID)
	}
	return fmt.Sprintf("rankrelay %d %s: %s", e.Status, e.Kind, e.Message)
}

// Unwrap exposes the status so resilient.Retryable can classify it.
func (e *APIError) Unwrap() error {
	if e.cause == nil {
		return nil
	}
	return e.cause
}

// Is lets callers test against the rank error taxonomy.
func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case "validation_error":
		return target == rank.ErrValidation
	case "forbidden":
		return target == rank.ErrPermission
	case "not_found":
		return target == rank.ErrNotFound
	}
	return false
}

// Client talks to one rankrelay instance.
type Client struct {
	base string
	key  string
	http *http.Client
	rc   *resilient.Client
	log  *slog.Logger
}

// New builds a Client. httpClient and logger may be nil.
func New(baseURL, apiKey string, rc *resilient.Client, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		key:  apiKey,
		http: httpClient,
		rc:   rc,
		log:  logger.With("component", "rankapi"),
	}
}

// userPath picks the id or username form of a route.
func userPath(prefix, user string) (string, error) {
	ref, err := rank.ParseUserRef(user)
	if err != nil {
		return "", err
	}
	if ref.ID > 0 {
		return prefix + "/" + strconv.FormatInt(ref.ID, 10), nil
	}
	return prefix + "/username/" + url.PathEscape(ref.Username), nil
}

// GetRank returns a member's current rank.
func (c *Client) GetRank(ctx context.Context, user string) (rank.Member, error) {
	path, err := userPath("/api/rank", user)
	if err != nil {
		return rank.Member{}, err
	}
	var m rank.Member
	err = c.rc.Do(ctx, "get_rank", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, path, nil, &m)
	})
	return m, err
}

// SetRank moves user to target. Mutations are retried only on transient
// failures; a retried request that already landed reports Changed=false.
func (c *Client) SetRank(ctx context.Context, user string, target rank.Target) (rank.Result, error) {
	path, err := userPath("/api/rank", user)
	if err != nil {
		return rank.Result{}, err
	}
	var body map[string]any
	if n, ok := target.Number(); ok {
		body = map[string]any{"rank": n}
	} else {
		name, _ := target.Name()
		body = map[string]any{"rank": name}
	}
	return c.mutate(ctx, "set_rank", path, body)
}

// Promote moves user one assignable tier up.
func (c *Client) Promote(ctx context.Context, user string) (rank.Result, error) {
	path, err := userPath("/api/promote", user)
	if err != nil {
		return rank.Result{}, err
	}
	return c.mutate(ctx, "promote", path, nil)
}

// Demote moves user one assignable tier down.
func (c *Client) Demote(ctx context.Context, user string) (rank.Result, error) {
	path, err := userPath("/api/demote", user)
	if err != nil {
		return rank.Result{}, err
	}
	return c.mutate(ctx, "demote", path, nil)
}

func (c *Client) mutate(ctx context.Context, op, path string, body any) (rank.Result, error) {
	var res rank.Result
	err := c.rc.Do(ctx, op, func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, path, body, &res)
	})
	if err == nil && res.Changed {
		c.rc.Invalidate(resilient.ClassGroup)
	}
	return res, err
}

// Bulk submits up to rank.MaxBulkItems changes in one call.
func (c *Client) Bulk(ctx context.Context, items []rank.BulkItem) (rank.BulkResult, error) {
	var out rank.BulkResult
	err := c.rc.Do(ctx, "bulk_rank", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, "/api/rank/bulk", map[string]any{"requests": items}, &out)
	})
	return out, err
}

// Roles lists the group's roles. Results are cached under the roles class
// unless refresh is set, which also asks the service to reload its directory.
func (c *Client) Roles(ctx context.Context, refresh bool) ([]roles.Role, error) {
	return resilient.Fetch(ctx, c.rc, resilient.ClassRoles, c.base, refresh,
		func(ctx context.Context) ([]roles.Role, error) {
			path := "/api/roles"
			if refresh {
				path += "?refresh=true"
			}
			var body struct {
				Roles []roles.Role `json:"roles"`
			}
			err := c.call(ctx, http.MethodGet, path, nil, &body)
			return body.Roles, err
		})
}

// Undo reverts the most recent change recorded by the service.
func (c *Client) Undo(ctx context.Context) (undo.LastAction, rank.Result, error) {
	var body struct {
		Reverted undo.LastAction `json:"reverted"`
		Result   rank.Result     `json:"result"`
	}
	err := c.rc.Do(ctx, "undo", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, "/api/undo", nil, &body)
	})
	return body.Reverted, body.Result, err
}

// Logs queries the service's audit window.
func (c *Client) Logs(ctx context.Context, f audit.Filter) (audit.Page, error) {
	q := url.Values{}
	if f.Action != "" {
		q.Set("action", f.Action)
	}
	if f.Success != nil {
		q.Set("success", strconv.FormatBool(*f.Success))
	}
	if f.UserID > 0 {
		q.Set("userId", strconv.FormatInt(f.UserID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	path := "/api/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page audit.Page
	err := c.rc.Do(ctx, "logs", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, path, nil, &page)
	})
	return page, err
}

// Ready reports whether the service has loaded its role directory.
func (c *Client) Ready(ctx context.Context) error {
	return c.rc.Do(ctx, "ready", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, "/readyz", nil, nil)
	})
}

// call performs one exchange and unpacks the envelope into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set(headerAPIKey, c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	if err := resilient.CheckResponse(resp, c.rc.Clock().Now()); err != nil {
		return asAPIError(err)
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func asAPIError(err error) error {
	var se *resilient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	apiErr := &APIError{Status: se.Code, cause: se}
	if jsonErr := json.Unmarshal([]byte(se.Body), apiErr); jsonErr != nil || apiErr.Kind == "" {
		apiErr.Kind = http.StatusText(se.Code)
		apiErr.Message = se.Body
	}
	return apiErr
}
