package audit

import "time"

// Actions recorded in the log.
const (
	ActionSetRank = "set_rank"
	ActionPromote = "promote"
	ActionDemote  = "demote"
	ActionUndo    = "undo"
	ActionBulk    = "bulk_rank"
)

// Entry is one attempted mutation. Entries are never modified after Add.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	UserID     int64     `json:"userId"`
	Username   string    `json:"username,omitempty"`
	TargetRank *uint8    `json:"targetRank,omitempty"`
	OldRank    *uint8    `json:"oldRank,omitempty"`
	NewRank    *uint8    `json:"newRank,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	MaskedIP   string    `json:"maskedIp,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
}

// Rank returns a pointer suitable for the optional rank fields.
func Rank(r uint8) *uint8 { return &r }

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	Action  string
	Success *bool
	UserID  int64
	Limit   int
	Offset  int
}

// Page is one slice of a query result.
type Page struct {
	Items  []Entry `json:"items"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Stats aggregates the in-memory window.
type Stats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	ByAction   map[string]int `json:"byAction"`
	Dropped    uint64         `json:"droppedSinkWrites"`
}

const (
	DefaultLimit = 50
	MaxLimit     = 100
)
