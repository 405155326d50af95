package database

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoRowsUpdated is returned when a guarded update matched no rows, meaning
// the row changed underneath the caller. Callers may retry.
var ErrNoRowsUpdated = errors.New("no rows updated")

// LedgerIntegrityError reports a broken balance chain for a partner: the
// materialized balance and the latest ledger row disagree. It is fatal for
// that partner's ledger; the enclosing transaction must abort.
type LedgerIntegrityError struct {
	PartnerID       string
	MaterializedBal int64
	ChainBal        int64
}

func (e *LedgerIntegrityError) Error() string {
	return fmt.Sprintf(
		"ledger integrity violation for partner %s: materialized balance %d does not match chain balance %d",
		e.PartnerID, e.MaterializedBal, e.ChainBal,
	)
}
