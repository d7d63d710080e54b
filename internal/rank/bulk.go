package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rankrelay.org/internal/audit"
)

// MaxBulkItems caps one bulk request.
const MaxBulkItems = 100

// BulkItem is one raw entry of a bulk request.
type BulkItem struct {
	User string          `json:"user"`
	Rank json.RawMessage `json:"rank"`
}

// BulkItemResult is the outcome of one item. Exactly one of Result and Error is set.
type BulkItemResult struct {
	Index   int     `json:"index"`
	User    string  `json:"user"`
	Success bool    `json:"success"`
	Result  *Result `json:"result,omitempty"`
	Error   string  `json:"error,omitempty"`
	err     error
}

// Err is the underlying failure of the item, if any.
func (r BulkItemResult) Err() error { return r.err }

// BulkCounts aggregates a bulk run.
type BulkCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Changed   int `json:"changed"`
}

// BulkResult holds per-item results in request order.
type BulkResult struct {
	Results []BulkItemResult `json:"results"`
	Counts  BulkCounts       `json:"counts"`
}

// Bulk applies every item independently. Only an empty or oversized batch
// fails as a whole.
func (p *Policy) Bulk(ctx context.Context, items []BulkItem) (BulkResult, error) {
	if len(items) == 0 || len(items) > MaxBulkItems {
		return BulkResult{}, fmt.Errorf("%w: bulk requests must contain 1-%d items", ErrValidation, MaxBulkItems)
	}
	out := BulkResult{Results: make([]BulkItemResult, len(items))}
	for i, item := range items {
		r := BulkItemResult{Index: i, User: item.User}
		res, err := p.bulkOne(ctx, item)
		if err != nil {
			r.err = err
			r.Error = err.Error()
			out.Counts.Failed++
		} else {
			r.Success = true
			r.Result = &res
			out.Counts.Succeeded++
			if res.Changed {
				out.Counts.Changed++
			}
		}
		out.Results[i] = r
		out.Counts.Total++
	}
	return out, nil
}

func (p *Policy) bulkOne(ctx context.Context, item BulkItem) (Result, error) {
	ref, refErr := ParseUserRef(item.User)
	target, targetErr := ParseTarget(item.Rank)
	if err := errors.Join(refErr, targetErr); err != nil {
		var rank *uint8
		if targetErr == nil {
			if n, ok := target.Number(); ok {
				rank = audit.Rank(n)
			}
		}
		p.record(ctx, audit.ActionBulk, ref, rank, Result{Username: item.User}, err)
		return Result{}, err
	}
	return p.setRank(ctx, audit.ActionBulk, ref, target)
}
