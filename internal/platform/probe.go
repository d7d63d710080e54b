package platform

import (
	"context"
	"errors"
	"net/http"

	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/resilient"
)

// ProbeResult is the outcome of a lightweight credential check.
type ProbeResult struct {
	UserID    int64  `json:"userId"`
	Username  string `json:"username"`
	InGroup   bool   `json:"inGroup"`
	Rank      uint8  `json:"rank"`
	FromCache bool   `json:"fromCache"`
}

// Probe confirms the credential is accepted and reports the account's
// standing in the group. Results are cached under the health class.
func (c *Client) Probe(ctx context.Context, force bool) (ProbeResult, error) {
	key := c.groupPath()
	cached := !force && c.rc.Cached(resilient.ClassHealth, key)
	out, err := resilient.Fetch(ctx, c.rc, resilient.ClassHealth, key, force,
		func(ctx context.Context) (ProbeResult, error) {
			var me User
			if err := c.roundTrip(ctx, http.MethodGet, "/v1/users/authenticated", nil, &me); err != nil {
				return ProbeResult{}, err
			}
			res := ProbeResult{UserID: me.ID, Username: me.Name}
			role, err := c.fetchRole(ctx, me.ID)
			var se *resilient.StatusError
			switch {
			case err == nil:
				res.InGroup = true
				res.Rank = role.Rank
			case errors.As(err, &se) && se.Code == http.StatusNotFound:
			default:
				return ProbeResult{}, err
			}
			return res, nil
		})
	obs.ObservePlatformCall("probe", err)
	out.FromCache = cached && err == nil
	return out, classify(err)
}
