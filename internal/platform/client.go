// Package platform talks to the external group-membership platform. Every
// request goes through a resilient.Client.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/roles"
)

const (
	headerCredential = "X-Session-Token"
	headerCSRF       = "X-CSRF-Token"
)

var (
	ErrValidation         = errors.New("platform rejected request")
	ErrCredentialRejected = errors.New("platform credential rejected")
	ErrPermission         = errors.New("platform denied permission")
	ErrNotFound           = errors.New("not found on platform")
)

// Config identifies the group and the credential used for every call.
type Config struct {
	BaseURL    string
	GroupID    int64
	Credential string
}

// User is a platform account.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Group is the public description of the managed group.
type Group struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount uint64 `json:"memberCount"`
	Owner       *User  `json:"owner,omitempty"`
}

// Client implements roles.Source and the rank policy's platform port.
type Client struct {
	cfg  Config
	http *http.Client
	rc   *resilient.Client
	log  *slog.Logger

	mu   sync.Mutex
	csrf string
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, rc *resilient.Client, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: httpClient,
		rc:   rc,
		log:  logger.With("component", "platform"),
	}
}

// Resilient exposes the shared call wrapper (health flag, cache stats).
func (c *Client) Resilient() *resilient.Client { return c.rc }

// GroupID is the managed group.
func (c *Client) GroupID() int64 { return c.cfg.GroupID }

type apiRole struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	MemberCount uint64 `json:"memberCount"`
}

func (r apiRole) toRole() (roles.Role, error) {
	if r.Rank < 0 || r.Rank > 255 {
		return roles.Role{}, fmt.Errorf("role %q has rank %d outside 0-255", r.Name, r.Rank)
	}
	return roles.Role{ID: r.ID, Rank: uint8(r.Rank), Name: r.Name, MemberCount: r.MemberCount}, nil
}

func (c *Client) groupPath() string {
	return "/v1/groups/" + strconv.FormatInt(c.cfg.GroupID, 10)
}

// ListRoles returns every role in the group.
func (c *Client) ListRoles(ctx context.Context, force bool) ([]roles.Role, error) {
	out, err := resilient.Fetch(ctx, c.rc, resilient.ClassRoles, c.groupPath(), force,
		func(ctx context.Context) ([]roles.Role, error) {
			var body struct {
				Roles []apiRole `json:"roles"`
			}
			if err := c.roundTrip(ctx, http.MethodGet, c.groupPath()+"/roles", nil, &body); err != nil {
				return nil, err
			}
			list := make([]roles.Role, 0, len(body.Roles))
			for _, r := range body.Roles {
				role, err := r.toRole()
				if err != nil {
					return nil, err
				}
				list = append(list, role)
			}
			return list, nil
		})
	obs.ObservePlatformCall("list_roles", err)
	return out, classify(err)
}

// GroupInfo returns the group description.
func (c *Client) GroupInfo(ctx context.Context, force bool) (Group, error) {
	out, err := resilient.Fetch(ctx, c.rc, resilient.ClassGroup, c.groupPath(), force,
		func(ctx context.Context) (Group, error) {
			var g Group
			err := c.roundTrip(ctx, http.MethodGet, c.groupPath(), nil, &g)
			return g, err
		})
	obs.ObservePlatformCall("group_info", err)
	return out, classify(err)
}

// BotRank is the rank of the authenticated account inside the group.
func (c *Client) BotRank(ctx context.Context, force bool) (uint8, error) {
	out, err := resilient.Fetch(ctx, c.rc, resilient.ClassPermissions, c.groupPath(), force,
		func(ctx context.Context) (uint8, error) {
			var me User
			if err := c.roundTrip(ctx, http.MethodGet, "/v1/users/authenticated", nil, &me); err != nil {
				return 0, err
			}
			role, err := c.fetchRole(ctx, me.ID)
			if err != nil {
				return 0, err
			}
			return role.Rank, nil
		})
	obs.ObservePlatformCall("bot_rank", err)
	return out, classify(err)
}

// UserRole reads a member's current role. It is never cached.
func (c *Client) UserRole(ctx context.Context, userID int64) (roles.Role, error) {
	var out roles.Role
	err := c.rc.Do(ctx, "user_role", func(ctx context.Context) error {
		role, err := c.fetchRole(ctx, userID)
		out = role
		return err
	})
	obs.ObservePlatformCall("user_role", err)
	return out, classify(err)
}

func (c *Client) fetchRole(ctx context.Context, userID int64) (roles.Role, error) {
	var body struct {
		Role apiRole `json:"role"`
	}
	path := c.groupPath() + "/users/" + strconv.FormatInt(userID, 10) + "/role"
	if err := c.roundTrip(ctx, http.MethodGet, path, nil, &body); err != nil {
		return roles.Role{}, err
	}
	return body.Role.toRole()
}

// SetUserRole assigns roleID to a member and drops cached role metadata.
func (c *Client) SetUserRole(ctx context.Context, userID, roleID int64) error {
	path := c.groupPath() + "/users/" + strconv.FormatInt(userID, 10)
	payload := map[string]int64{"roleId": roleID}
	err := c.rc.Do(ctx, "set_user_role", func(ctx context.Context) error {
		return c.roundTrip(ctx, http.MethodPatch, path, payload, nil)
	})
	obs.ObservePlatformCall("set_user_role", err)
	if err != nil {
		return classify(err)
	}
	c.rc.Invalidate(resilient.ClassRoles, resilient.ClassGroup)
	return nil
}

// LookupUsername resolves a username to an account.
func (c *Client) LookupUsername(ctx context.Context, username string) (User, error) {
	payload := map[string]any{"usernames": []string{username}, "excludeBanned": true}
	var out User
	err := c.rc.Do(ctx, "lookup_username", func(ctx context.Context) error {
		var body struct {
			Data []User `json:"data"`
		}
		if err := c.roundTrip(ctx, http.MethodPost, "/v1/usernames/users", payload, &body); err != nil {
			return err
		}
		if len(body.Data) == 0 {
			return fmt.Errorf("%w: username %q", ErrNotFound, username)
		}
		out = body.Data[0]
		return nil
	})
	obs.ObservePlatformCall("lookup_username", err)
	return out, classify(err)
}

// Username resolves an account id to its name.
func (c *Client) Username(ctx context.Context, userID int64) (string, error) {
	var u User
	err := c.rc.Do(ctx, "get_user", func(ctx context.Context) error {
		return c.roundTrip(ctx, http.MethodGet, "/v1/users/"+strconv.FormatInt(userID, 10), nil, &u)
	})
	obs.ObservePlatformCall("get_user", err)
	return u.Name, classify(err)
}

// roundTrip performs a single HTTP exchange. A 403 carrying a fresh CSRF
// token is answered by resending once with that token.
func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	for try := 0; ; try++ {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set(headerCredential, c.cfg.Credential)
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.csrfToken(); token != "" {
			req.Header.Set(headerCSRF, token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if token := resp.Header.Get(headerCSRF); resp.StatusCode == http.StatusForbidden && token != "" && try == 0 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.setCSRFToken(token)
			c.log.DebugContext(ctx, "csrf token refreshed", slog.String("path", path))
			continue
		}
		if err := resilient.CheckResponse(resp, c.rc.Clock().Now()); err != nil {
			return err
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
}

func (c *Client) csrfToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrf
}

func (c *Client) setCSRFToken(token string) {
	c.mu.Lock()
	c.csrf = token
	c.mu.Unlock()
}

// classify maps remote status codes onto the package sentinels while keeping
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *resilient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrCredentialRejected, err)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrPermission, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
