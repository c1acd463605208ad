// Package retire implements the append-only retirements ledger
// (~/.agenr/retirements.json): retirement records written at
// retire time and replayed against the store to mark matching entries
// retired. Readers tolerate a missing or corrupt ledger by returning an
// empty one.
package retire

import (
	"context"
	"os"
	"strings"

	"github.com/vinayprograms/agenr/internal/alog"
	"github.com/vinayprograms/agenr/internal/knowledge"
	"github.com/vinayprograms/agenr/internal/stateio"
	"github.com/vinayprograms/agenr/internal/storage"
)

// ledgerVersion is the current on-disk format version.
const ledgerVersion = 1

// Ledger is the on-disk shape of retirements.json.
type Ledger struct {
	Version     int                          `json:"version"`
	Retirements []knowledge.RetirementRecord `json:"retirements"`
}

// Load reads the ledger at path. A missing or corrupt file yields an empty
// ledger; corruption is logged, never fatal.
func Load(path string, log *alog.Logger) Ledger {
	if log == nil {
		log = alog.Default
	}
	var l Ledger
	if err := stateio.ReadJSON(path, &l); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("retirements_ledger_corrupt", map[string]any{"path": path, "error": err.Error()})
		}
		return Ledger{Version: ledgerVersion}
	}
	if l.Version == 0 {
		l.Version = ledgerVersion
	}
	return l
}

// Append adds a record to the ledger at path and rewrites it atomically.
func Append(path string, record knowledge.RetirementRecord, log *alog.Logger) error {
	l := Load(path, log)
	l.Retirements = append(l.Retirements, record)
	return stateio.WriteAtomic(path, l)
}

// Replay marks every active entry matching a ledger record as retired,
// carrying the record's suppressed contexts onto the entry. Returns the
// number of entries retired.
func Replay(ctx context.Context, store *storage.Store, l Ledger) (int, error) {
	if len(l.Retirements) == 0 {
		return 0, nil
	}
	entries, err := store.LoadActiveEntries(ctx)
	if err != nil {
		return 0, err
	}

	retired := 0
	for _, rec := range l.Retirements {
		for _, e := range entries {
			if !matches(rec, e) {
				continue
			}
			if err := store.Retire(ctx, e.ID, rec.Reason, rec.SuppressedContexts); err != nil {
				return retired, err
			}
			retired++
		}
	}
	return retired, nil
}

// matches tests a record's pattern against an entry's subject and content
// per its match type.
func matches(rec knowledge.RetirementRecord, e storage.ActiveEntry) bool {
	pattern := strings.TrimSpace(rec.Pattern)
	if pattern == "" {
		return false
	}
	switch rec.MatchType {
	case knowledge.MatchExact:
		return e.Subject == pattern || e.Content == pattern
	case knowledge.MatchContains:
		return strings.Contains(e.Subject, pattern) || strings.Contains(e.Content, pattern)
	default:
		return false
	}
}
