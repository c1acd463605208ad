package recall

import (
	"context"
	"time"

	"github.com/vinayprograms/agenr/internal/embedclient"
	"github.com/vinayprograms/agenr/internal/storage"
)

// categoryShare is the fraction of the total budget each category may
// spend before "recent" absorbs whatever is left: core/active/preferences
// each cap at 30%, recent gets the remainder.
const categoryShare = 0.3

// sessionStart runs the session-start recall flavour: two underlying
// queries, expiry=core and everything else, with the latter partitioned
// into active/preferences/recent and budgeted per-category.
func sessionStart(ctx context.Context, store *storage.Store, embedder *embedclient.Client, q Query) (Response, error) {
	now := time.Now().UTC()
	budget := q.Budget

	coreQuery := q
	coreQuery.Context = ""
	coreQuery.Expiry = "core"
	coreQuery.Budget = 0
	coreQuery.NoUpdate = true
	coreResp, err := Recall(ctx, store, embedder, coreQuery)
	if err != nil {
		return Response{}, err
	}
	coreResp.Results = withCategory(dropSuppressed(coreResp.Results, "session-start"), CategoryCore)

	restQuery := q
	restQuery.Context = ""
	restQuery.Budget = 0
	restQuery.NoUpdate = true
	restResp, err := Recall(ctx, store, embedder, restQuery)
	if err != nil {
		return Response{}, err
	}
	rest := dropSuppressed(restResp.Results, "session-start")

	var active, preferences, recentPool []Result
	for _, r := range rest {
		if r.Entry.Expiry == "core" {
			continue // already in the core partition
		}
		switch r.Entry.Kind {
		case "todo":
			active = append(active, r)
		case "preference", "decision":
			preferences = append(preferences, r)
		default:
			recentPool = append(recentPool, r)
		}
	}

	coreResults, coreUsed := truncateByBudget(coreResp.Results, budgetCap(budget, categoryShare))

	activeBudget := 0
	if len(active) > 0 {
		activeBudget = budgetCap(budget, categoryShare)
	}
	activeResults, activeUsed := truncateByBudget(active, activeBudget)
	activeResults = withCategory(activeResults, CategoryActive)

	preferencesResults, preferencesUsed := truncateByBudget(preferences, budgetCap(budget, categoryShare))
	preferencesResults = withCategory(preferencesResults, CategoryPreferences)

	recentBudget := 0
	if budget > 0 {
		recentBudget = budget - coreUsed - activeUsed - preferencesUsed
		if recentBudget < 0 {
			recentBudget = 0
		}
	}
	recentResults, recentUsed := truncateByBudget(recentPool, recentBudget)
	recentResults = withCategory(recentResults, CategoryRecent)

	all := append(append(append(coreResults, activeResults...), preferencesResults...), recentResults...)

	if !q.Browse && !q.NoUpdate {
		if err := applyFeedback(ctx, store.DB(), all, now); err != nil {
			return Response{}, err
		}
	}

	return Response{
		Query:       "[session-start]",
		Results:     all,
		Total:       len(coreResp.Results) + len(rest),
		BudgetUsed:  coreUsed + activeUsed + preferencesUsed + recentUsed,
		BudgetLimit: budget,
	}, nil
}

func budgetCap(total int, share float64) int {
	if total <= 0 {
		return 0
	}
	return int(float64(total) * share)
}

func withCategory(results []Result, cat Category) []Result {
	out := make([]Result, len(results))
	for i, r := range results {
		r.Category = cat
		out[i] = r
	}
	return out
}

func dropSuppressed(results []Result, context string) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		suppressed := false
		for _, c := range r.Entry.SuppressedContexts {
			if c == context {
				suppressed = true
				break
			}
		}
		if !suppressed {
			out = append(out, r)
		}
	}
	return out
}
