package ledger_test

import (
	"testing"

	"traffic-prism/internal/ledger"
	"traffic-prism/internal/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.RunStore(t, func(*testing.T) ledger.Store { return ledger.NewMemoryStore() })
}
