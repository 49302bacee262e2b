package decision

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/svcgate/svcgate/api"
)

// CheckDone receives the resolved decision. The invoker calls it at most
// once per Invoke, and never after the handle was cancelled.
type CheckDone func(*api.CheckResult)

// ErrNoClient is returned when Invoke is called without a configured client.
var ErrNoClient = errors.New("decision: no client configured")

// Invoker issues asynchronous decision calls. One Invoke maps to exactly one
// Check call and at most one CheckDone delivery.
type Invoker struct {
	client  Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvoker creates an Invoker. The timeout bounds each Check call; zero
// means no bound beyond the client's own.
func NewInvoker(client Client, timeout time.Duration, logger *slog.Logger) *Invoker {
	return &Invoker{client: client, timeout: timeout, logger: logger}
}

// Handle tracks one in-flight decision call. Cancel is best-effort on the
// call itself but a hard guarantee for delivery: after Cancel returns, the
// CheckDone callback will never fire.
type Handle struct {
	cancel  context.CancelFunc
	settled atomic.Bool
}

// Cancel stops the in-flight call and suppresses its completion callback.
func (h *Handle) Cancel() {
	if h.settled.CompareAndSwap(false, true) {
		h.cancel()
	}
}

// Invoke starts a decision call and returns its handle. A synchronous error
// means no call was started and done will never fire; the caller must treat
// it as fail-closed.
//
// Infrastructure failures of the call itself are not surfaced as errors:
// they are delivered through done as an error-classified result, so the
// caller sees exactly one completion per successful Invoke.
func (i *Invoker) Invoke(attrs *api.RequestAttributes, done CheckDone) (*Handle, error) {
	if i.client == nil {
		return nil, ErrNoClient
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if i.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	h := &Handle{cancel: cancel}
	go func() {
		defer cancel()

		result, err := i.client.Check(ctx, attrs)
		if err != nil {
			result = checkFailure(ctx, err)
		} else if result == nil {
			result = api.CheckError(api.ErrorClassMalformed, "decision service returned no result")
		}

		if !h.settled.CompareAndSwap(false, true) {
			// Cancelled while in flight. The stream that asked is gone.
			i.logger.Debug("dropping decision for cancelled call",
				"operation_id", attrs.OperationID)
			return
		}
		done(result)
	}()
	return h, nil
}

func checkFailure(ctx context.Context, err error) *api.CheckResult {
	class := api.ErrorClassTransport
	if errors.Is(ctx.Err(), context.Canceled) {
		class = api.ErrorClassCancelled
	}
	return api.CheckError(class, err.Error())
}
