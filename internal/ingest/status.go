package ingest

import (
	"context"

	"nvdharvest/internal/checkpoint"
)

// CheckStatus reports whether ingestion for source has not started, is in
// progress or is complete. Callers use it to decide whether to run Ingester.
func CheckStatus(ctx context.Context, store checkpoint.Store, source string) (checkpoint.Status, error) {
	return store.Status(ctx, source)
}
