package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/metrics"
)

// Sink receives usage reports, typically the decision service client.
type Sink interface {
	Report(ctx context.Context, rep *api.UsageReport) error
}

// dispatchTimeout bounds one report delivery attempt.
const dispatchTimeout = 5 * time.Second

// Reporter delivers usage reports off the request path. Emit never blocks
// and never fails the request: delivery problems are logged and counted,
// nothing more.
type Reporter struct {
	sink   Sink  // may be nil
	store  Store // may be nil
	logger *slog.Logger

	ch        chan *api.UsageReport
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewReporter creates a reporter with a dispatch queue of the given size and
// starts its dispatch goroutine.
func NewReporter(sink Sink, store Store, bufferSize int, logger *slog.Logger) *Reporter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &Reporter{
		sink:   sink,
		store:  store,
		logger: logger,
		ch:     make(chan *api.UsageReport, bufferSize),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// Emit queues one usage report for delivery. If the queue is full the report
// is dropped rather than stalling the request path.
func (r *Reporter) Emit(rep *api.UsageReport) {
	select {
	case r.ch <- rep:
	default:
		metrics.ReportsDropped.Inc()
		r.logger.Warn("report queue full, dropping usage report",
			"operation_id", rep.OperationID,
			"outcome", rep.Outcome,
		)
	}
}

// Close stops accepting reports and waits for queued ones to be delivered.
// It does not close the store; the store's owner does.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
	})
	r.wg.Wait()
}

func (r *Reporter) dispatch() {
	defer r.wg.Done()

	for rep := range r.ch {
		metrics.ReportsTotal.WithLabelValues(string(rep.Outcome)).Inc()

		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		if r.store != nil {
			if err := r.store.Write(ctx, rep); err != nil {
				r.logger.Error("writing usage report",
					"operation_id", rep.OperationID, "error", err)
			}
		}
		if r.sink != nil {
			if err := r.sink.Report(ctx, rep); err != nil {
				r.logger.Error("delivering usage report",
					"operation_id", rep.OperationID, "error", err)
			}
		}
		cancel()
	}
}
