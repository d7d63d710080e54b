package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"rankrelay.org/internal/rank"
	"rankrelay.org/internal/roles"
	"rankrelay.org/internal/undo"
)

type setRankRequest struct {
	Rank json.RawMessage `json:"rank"`
}

type bulkRankRequest struct {
	Requests []rank.BulkItem `json:"requests"`
}

type userParser func(*http.Request) (rank.UserRef, error)

func userByID(r *http.Request) (rank.UserRef, error) {
	return rank.ParseUserID(r.PathValue("userId"))
}

func userByName(r *http.Request) (rank.UserRef, error) {
	return rank.ParseUsername(r.PathValue("username"))
}

func (a *API) getRankByID(w http.ResponseWriter, r *http.Request) {
	a.getRank(w, r, userByID)
}

func (a *API) getRankByUsername(w http.ResponseWriter, r *http.Request) {
	a.getRank(w, r, userByName)
}

func (a *API) getRank(w http.ResponseWriter, r *http.Request, user userParser) {
	ref, err := user(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	m, err := a.policy.GetRank(r.Context(), ref)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, m)
}

func (a *API) setRankByID(w http.ResponseWriter, r *http.Request) {
	a.setRank(w, r, userByID)
}

func (a *API) setRankByUsername(w http.ResponseWriter, r *http.Request) {
	a.setRank(w, r, userByName)
}

// setRank validates the path and body before anything reaches the platform.
func (a *API) setRank(w http.ResponseWriter, r *http.Request, user userParser) {
	ref, err := user(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	var req setRankRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	target, err := rank.ParseTarget(req.Rank)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	res, err := a.policy.SetRank(r.Context(), ref, target)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

type stepFunc func(ctx context.Context, ref rank.UserRef) (rank.Result, error)

func (a *API) promoteByID(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, userByID, a.policy.Promote)
}

func (a *API) promoteByUsername(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, userByName, a.policy.Promote)
}

func (a *API) demoteByID(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, userByID, a.policy.Demote)
}

func (a *API) demoteByUsername(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, userByName, a.policy.Demote)
}

func (a *API) step(w http.ResponseWriter, r *http.Request, user userParser, fn stepFunc) {
	ref, err := user(r)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	res, err := fn(r.Context(), ref)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// bulkRank reports success for the call as a whole; callers inspect each item.
func (a *API) bulkRank(w http.ResponseWriter, r *http.Request) {
	var req bulkRankRequest
	if err := decodeJSON(w, r, a.maxBody, &req); err != nil {
		a.handleError(w, r, err)
		return
	}
	res, err := a.policy.Bulk(r.Context(), req.Requests)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

type rolesResponse struct {
	Roles       []roles.Role `json:"roles"`
	BotRank     uint8        `json:"botRank"`
	RefreshedAt time.Time    `json:"refreshedAt"`
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if refresh || !a.dir.Ready() {
		if err := a.dir.Refresh(r.Context()); err != nil {
			a.handleError(w, r, err)
			return
		}
	}
	bot, err := a.dir.BotRank()
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rolesResponse{
		Roles:       a.dir.All(),
		BotRank:     bot,
		RefreshedAt: a.dir.RefreshedAt(),
	})
}

func (a *API) groupInfo(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolQuery(r, "refresh")
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	g, err := a.pf.GroupInfo(r.Context(), refresh)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, g)
}

type undoStatus struct {
	Available  bool             `json:"available"`
	LastAction *undo.LastAction `json:"lastAction"`
}

func (a *API) getUndo(w http.ResponseWriter, r *http.Request) {
	la, ok := a.undo.Get()
	st := undoStatus{Available: ok}
	if ok {
		st.LastAction = &la
	}
	writeSuccess(w, http.StatusOK, st)
}

type undoResponse struct {
	Reverted undo.LastAction `json:"reverted"`
	Result   rank.Result     `json:"result"`
}

func (a *API) postUndo(w http.ResponseWriter, r *http.Request) {
	la, res, err := a.undo.Undo(r.Context(), a.policy)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, undoResponse{Reverted: la, Result: res})
}

func boolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, validationf("%s must be true or false", name)
	}
	return v, nil
}
