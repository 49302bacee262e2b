package report

import (
	"context"

	"github.com/svcgate/svcgate/api"
)

// Store defines the interface for usage report persistence and retrieval.
type Store interface {
	// Write appends a usage report.
	Write(ctx context.Context, rep *api.UsageReport) error

	// Query retrieves usage reports matching the filter.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.UsageReport, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*api.ReportStats, error)

	// Close shuts down the store and flushes any buffers.
	Close() error
}
