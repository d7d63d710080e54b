package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type fakeRole struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	MemberCount int    `json:"memberCount"`
}

type fakeUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// fakePlatform is an in-memory group-membership platform served over HTTP.
type fakePlatform struct {
	mu      sync.Mutex
	roles   []fakeRole
	names   map[int64]string
	ranks   map[int64]int
	botID   int64
	patches atomic.Int32

	// failCode, when non-zero, is returned for every mutation.
	failCode   int
	retryAfter string
}

func newFakePlatform() *fakePlatform {
	f := &fakePlatform{
		roles: []fakeRole{
			{ID: 1, Name: "Guest", Rank: 0},
			{ID: 2, Name: "Member", Rank: 1},
			{ID: 3, Name: "Trusted", Rank: 10},
			{ID: 4, Name: "Moderator", Rank: 50},
			{ID: 5, Name: "Admin", Rank: 100},
			{ID: 6, Name: "Bot", Rank: 150},
			{ID: 7, Name: "Owner", Rank: 255},
		},
		names: map[int64]string{},
		ranks: map[int64]int{},
		botID: 900,
	}
	f.add(900, "rank_bot", 150)
	f.add(1001, "alice", 10)
	f.add(1002, "bob_b", 1)
	f.add(1003, "carol", 255)
	f.add(1004, "dave", 50)
	f.add(1005, "erin", 10)
	return f
}

func (f *fakePlatform) add(id int64, name string, rank int) {
	f.names[id] = name
	f.ranks[id] = rank
}

func (f *fakePlatform) failMutations(code int, retryAfter string) {
	f.mu.Lock()
	f.failCode, f.retryAfter = code, retryAfter
	f.mu.Unlock()
}

func (f *fakePlatform) rankOf(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ranks[id]
}

func (f *fakePlatform) roleByRank(rank int) (fakeRole, bool) {
	for _, r := range f.roles {
		if r.Rank == rank {
			return r, true
		}
	}
	return fakeRole{}, false
}

func (f *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/groups/7/roles", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(w, http.StatusOK, map[string]any{"roles": f.roles})
	})
	mux.HandleFunc("GET /v1/groups/7", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(w, http.StatusOK, map[string]any{
			"id": 7, "name": "Relay Testers", "description": "fixture group",
			"memberCount": len(f.ranks), "owner": fakeUser{ID: 1003, Name: "carol"},
		})
	})
	mux.HandleFunc("GET /v1/users/authenticated", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, fakeUser{ID: f.botID, Name: "rank_bot"})
	})
	mux.HandleFunc("GET /v1/users/{uid}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("uid"), 10, 64)
		f.mu.Lock()
		defer f.mu.Unlock()
		name, ok := f.names[id]
		if !ok {
			reply(w, http.StatusNotFound, map[string]any{"errors": "user not found"})
			return
		}
		reply(w, http.StatusOK, fakeUser{ID: id, Name: name})
	})
	mux.HandleFunc("GET /v1/groups/7/users/{uid}/role", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("uid"), 10, 64)
		f.mu.Lock()
		defer f.mu.Unlock()
		rank, ok := f.ranks[id]
		if !ok {
			reply(w, http.StatusNotFound, map[string]any{"errors": "not a member"})
			return
		}
		role, _ := f.roleByRank(rank)
		reply(w, http.StatusOK, map[string]any{"role": role})
	})
	mux.HandleFunc("PATCH /v1/groups/7/users/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code, retryAfter := f.failCode, f.retryAfter
		f.mu.Unlock()
		if code != 0 {
			if retryAfter != "" {
				w.Header().Set("Retry-After", retryAfter)
			}
			reply(w, code, map[string]any{"errors": "unavailable"})
			return
		}
		id, _ := strconv.ParseInt(r.PathValue("uid"), 10, 64)
		var body struct {
			RoleID int64 `json:"roleId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			reply(w, http.StatusBadRequest, map[string]any{"errors": "bad body"})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, role := range f.roles {
			if role.ID == body.RoleID {
				f.ranks[id] = role.Rank
				f.patches.Add(1)
				reply(w, http.StatusOK, map[string]any{})
				return
			}
		}
		reply(w, http.StatusBadRequest, map[string]any{"errors": "unknown role"})
	})
	mux.HandleFunc("POST /v1/usernames/users", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Usernames []string `json:"usernames"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		data := []fakeUser{}
		for _, want := range body.Usernames {
			for id, name := range f.names {
				if strings.EqualFold(name, want) {
					data = append(data, fakeUser{ID: id, Name: name})
				}
			}
		}
		reply(w, http.StatusOK, map[string]any{"data": data})
	})
	return mux
}

func reply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
