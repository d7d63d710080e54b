package auth

// Scopes granted to API callers.
const (
	ScopeRankRead  = "rank:read"
	ScopeRankWrite = "rank:write"
	ScopeAuditRead = "audit:read"
)

// AllScopes is what the shared API key grants.
var AllScopes = []string{ScopeRankRead, ScopeRankWrite, ScopeAuditRead}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Method  string
	Scopes  map[string]struct{}
}

// NewPrincipal builds a principal with a normalised scope set.
func NewPrincipal(subject, method string, scopes []string) Principal {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range dedupe(scopes) {
		set[s] = struct{}{}
	}
	return Principal{Subject: subject, Method: method, Scopes: set}
}

// HasScope reports whether the principal may perform actions guarded by scope.
func (p Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}
