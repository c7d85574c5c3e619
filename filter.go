package querycache

import (
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/pkg/errors"
)

// bexprTarget is the struct go-bexpr evaluates QueryFilters.Expression
// against, one instance per candidate cache entry. This mirrors the way
// the teacher validates health.service filter expressions against a
// query's own shape in internal/dependency/health_service.go, but here the
// expression is evaluated per key instead of just syntax-checked.
type bexprTarget struct {
	Key         string `bexpr:"key"`
	HasData     bool   `bexpr:"has_data"`
	HasError    bool   `bexpr:"has_error"`
	Stale       bool   `bexpr:"stale"`
	Fetching    bool   `bexpr:"fetching"`
	FetchStatus string `bexpr:"fetch_status"`
	Active      bool   `bexpr:"active"`
}

// compileExpression validates a QueryFilters.Expression at the point it's
// used, the same place bexpr.CreateFilter is invoked in the teacher.
func compileExpression(expr string) (*bexpr.Filter, error) {
	f, err := bexpr.CreateFilter(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "querycache: invalid filter expression %q", expr)
	}
	return f, nil
}

// candidate bundles everything matchFilters needs to know about one cache
// key: its snapshot plus whatever the client can tell us about attached
// observers.
type candidate struct {
	snapshot    EntrySnapshot
	active      bool
	fetchStatus FetchStatus
	staleTime   func() time.Duration
}

// matchFilters ANDs every present QueryFilters criterion against one
// candidate, per §4.2's "QueryFilters match" rule.
func matchFilters(filters QueryFilters, cand candidate) (bool, error) {
	if filters.HasKey {
		if filters.Exact {
			if !cand.snapshot.Key.Equals(filters.QueryKey) {
				return false, nil
			}
		} else if !cand.snapshot.Key.StartsWith(filters.QueryKey) {
			return false, nil
		}
	}

	switch filters.Type {
	case Active:
		if !cand.active {
			return false, nil
		}
	case Inactive:
		if cand.active {
			return false, nil
		}
	}

	if filters.Stale != Unset {
		st := time.Duration(0)
		if cand.staleTime != nil {
			st = cand.staleTime()
		}
		stale := isStale(cand.snapshot.HasData, cand.snapshot.FetchTime, st)
		want := filters.Stale == True
		if stale != want {
			return false, nil
		}
	}

	if filters.HasFetchState {
		if cand.fetchStatus != filters.FetchState {
			return false, nil
		}
	}

	if filters.Predicate != nil && !filters.Predicate(cand.snapshot.Key) {
		return false, nil
	}

	if filters.Expression != "" {
		f, err := compileExpression(filters.Expression)
		if err != nil {
			return false, err
		}
		target := bexprTarget{
			Key:         cand.snapshot.Key.String(),
			HasData:     cand.snapshot.HasData,
			HasError:    cand.snapshot.HasError,
			Stale:       isStale(cand.snapshot.HasData, cand.snapshot.FetchTime, candidateStaleTime(cand)),
			Fetching:    cand.snapshot.Fetching,
			FetchStatus: cand.fetchStatus.String(),
			Active:      cand.active,
		}
		ok, err := f.Evaluate(target)
		if err != nil {
			return false, errors.Wrap(err, "querycache: evaluating filter expression")
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func candidateStaleTime(cand candidate) time.Duration {
	if cand.staleTime == nil {
		return 0
	}
	return cand.staleTime()
}
