package ledger

import (
	"testing"

	"github.com/mbd888/vaultbet/internal/testutil"
)

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) *Ledger {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return New(NewPostgresStore(db))
	})
}
