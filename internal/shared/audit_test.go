package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditRecordRejectsIncompleteEntries(t *testing.T) {
	ctx := context.Background()

	var missing *AuditLogger
	require.Error(t, missing.Record(ctx, AuditLog{Action: "ledger:consume", Entity: "sale", EntityID: "S-1"}))

	logger := NewAuditLogger(nil)
	require.Error(t, logger.Record(ctx, AuditLog{Entity: "receipt", EntityID: "R-1"}))
	require.Error(t, logger.Record(ctx, AuditLog{Action: "ledger:receipt", EntityID: "R-1"}))
	require.Error(t, logger.Record(ctx, AuditLog{Action: "ledger:receipt", Entity: "receipt"}))
}
