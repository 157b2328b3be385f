package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaDeclaresEveryTable(t *testing.T) {
	names, err := Files()
	require.NoError(t, err)
	require.Equal(t, []string{"0001_bankrecon.sql"}, names)

	raw, err := files.ReadFile(names[0])
	require.NoError(t, err)
	schema := string(raw)
	for _, table := range []string{
		"bank_cutoffs", "bank_transfers", "bank_groups", "bank_group_transfers", "obligations",
		"payment_references", "payment_details", "advances", "audit_logs", "idempotency_keys",
	} {
		require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	require.True(t, strings.Contains(schema, "transfer_id  UUID NOT NULL UNIQUE"), "a transfer joins one group at most")
}
