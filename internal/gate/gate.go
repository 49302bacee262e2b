// Package gate implements the request gate: a pipeline stage that withholds
// an HTTP request while exactly one asynchronous authorization decision is
// resolved, then releases or rejects it, and emits exactly one usage report
// however the request ends.
package gate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
	"github.com/svcgate/svcgate/internal/decision"
	"github.com/svcgate/svcgate/internal/metrics"
	"github.com/svcgate/svcgate/internal/report"
)

type bodyChunk struct {
	data      []byte
	endStream bool
}

// Filter gates one request stream. It is owned by a single logical flow of
// control: the host must serialize its entry points (including the decision
// completion, which re-enters through OnCheckDone) for a given stream. It
// holds no locks of its own.
type Filter struct {
	cb       StreamCallbacks
	invoker  *decision.Invoker
	reporter *report.Reporter
	route    *config.Route // may be nil
	logger   *slog.Logger

	state  State
	halted bool
	// handle is non-nil exactly while state == StateCalling.
	handle *decision.Handle

	attrs  *api.RequestAttributes
	result *api.CheckResult

	headers          http.Header
	headersEndStream bool
	chunks           []bodyChunk
	bufferedBytes    int64
	trailers         http.Header
	trailersReceived bool

	requestBytes int64
	reported     bool
	destroyed    bool
}

// New creates a gate filter for one stream.
func New(cb StreamCallbacks, invoker *decision.Invoker, reporter *report.Reporter, route *config.Route, logger *slog.Logger) *Filter {
	return &Filter{
		cb:       cb,
		invoker:  invoker,
		reporter: reporter,
		route:    route,
		logger:   logger,
	}
}

// State returns the current gate state.
func (f *Filter) State() State { return f.state }

// OnRequestHeaders handles the first pipeline event. It snapshots nothing
// itself: attrs is the immutable snapshot taken by the decision layer at
// header-arrival time. Unless the route skips checking, it starts the one
// decision call for this stream and halts the pipeline.
func (f *Filter) OnRequestHeaders(headers http.Header, attrs *api.RequestAttributes, endStream bool) Signal {
	if f.state != StateInit {
		// Pipeline contract violation; keep the stream halted.
		f.logger.Error("headers delivered twice", "state", f.state.String())
		return Halt
	}

	f.headers = headers
	f.headersEndStream = endStream
	f.attrs = attrs

	if f.route != nil && f.route.SkipCheck {
		f.state = StateComplete
		f.result = api.Allow()
		f.result.Rule = "_route_skip"
		return Continue
	}

	handle, err := f.invoker.Invoke(attrs, func(result *api.CheckResult) {
		f.cb.Serialize(func() { f.OnCheckDone(result) })
	})
	if err != nil {
		// The call never started, so no completion will arrive. Fail closed
		// right away.
		f.logger.Error("decision call failed to start",
			"operation_id", attrs.OperationID, "error", err)
		f.result = api.CheckError(api.ErrorClassTransport, err.Error())
		metrics.ChecksTotal.WithLabelValues(string(api.DecisionError)).Inc()
		f.respond()
		return Halt
	}

	f.state = StateCalling
	f.handle = handle
	f.halted = true
	metrics.ChecksInFlight.Inc()
	return Halt
}

// OnRequestData handles one body chunk. While the decision is outstanding
// the chunk is buffered in arrival order; end-of-stream is buffered as an
// attribute of the chunk like any other.
func (f *Filter) OnRequestData(data []byte, endStream bool) Signal {
	f.requestBytes += int64(len(data))

	switch f.state {
	case StateCalling:
		// The host may reuse its buffer; keep our own copy.
		buf := make([]byte, len(data))
		copy(buf, data)
		f.chunks = append(f.chunks, bodyChunk{data: buf, endStream: endStream})
		f.bufferedBytes += int64(len(buf))
		metrics.BufferedBytes.Add(float64(len(buf)))
		return Halt
	case StateComplete:
		return Continue
	default:
		// Responded: the pipeline is halted permanently. Init: body before
		// headers violates the pipeline contract; withhold it.
		return Halt
	}
}

// OnRequestTrailers handles trailer arrival, which may precede the decision.
func (f *Filter) OnRequestTrailers(trailers http.Header) Signal {
	switch f.state {
	case StateCalling:
		f.trailers = trailers
		f.trailersReceived = true
		return Halt
	case StateComplete:
		return Continue
	default:
		return Halt
	}
}

// OnCheckDone receives the resolved decision. A completion arriving after
// teardown or outside StateCalling is a stale callback and has no effect.
func (f *Filter) OnCheckDone(result *api.CheckResult) {
	if f.destroyed || f.state != StateCalling {
		f.logger.Debug("ignoring stale decision completion",
			"state", f.state.String(), "destroyed", f.destroyed)
		return
	}

	f.handle = nil
	f.result = result
	metrics.ChecksInFlight.Dec()
	metrics.ChecksTotal.WithLabelValues(string(result.Decision)).Inc()

	if result.Allowed() {
		f.release()
		return
	}

	f.logger.Info("request rejected",
		"operation_id", f.attrs.OperationID,
		"decision", string(result.Decision),
		"rule", result.Rule,
		"message", result.Message,
	)
	f.respond()
}

// release transitions to Complete and replays everything withheld, in strict
// arrival order: headers, body chunks, trailers.
func (f *Filter) release() {
	f.state = StateComplete
	f.halted = false

	f.cb.ForwardHeaders(f.headers, f.headersEndStream)
	for _, c := range f.chunks {
		f.cb.ForwardData(c.data, c.endStream)
	}
	if f.trailersReceived {
		f.cb.ForwardTrailers(f.trailers)
	}
	f.dropBuffer()
	f.cb.ResumeDecoding()
}

// respond transitions to Responded, discards the buffer and synthesizes the
// rejection. Nothing buffered is ever forwarded on this path.
func (f *Filter) respond() {
	f.state = StateResponded
	f.halted = true
	f.dropBuffer()

	code, msg := rejection(f.result)
	f.cb.SendLocalReply(code, msg)
}

func (f *Filter) dropBuffer() {
	metrics.BufferedBytes.Sub(float64(f.bufferedBytes))
	f.bufferedBytes = 0
	f.chunks = nil
}

// OnStreamComplete is the host's completion hook, invoked once when the
// request/response exchange has finished (including a synthesized
// rejection). It drives the usage report.
func (f *Filter) OnStreamComplete(finalStatus int) {
	f.emitReport(finalStatus)
}

// OnDestroy is the host's teardown hook for abandoned requests. It cancels
// an outstanding decision call and still emits the usage report if the
// completion hook never ran.
func (f *Filter) OnDestroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true

	if f.state == StateCalling {
		f.handle.Cancel()
		f.handle = nil
		metrics.ChecksInFlight.Dec()
		f.dropBuffer()
		// Terminal: the stream is gone, the pipeline stays halted. No
		// rejection is synthesized, there is nobody left to receive one.
		f.state = StateResponded
	}
	f.emitReport(0)
}

// emitReport fires the usage report at most once per stream.
func (f *Filter) emitReport(finalStatus int) {
	if f.reported || f.attrs == nil {
		return
	}
	f.reported = true

	rep := &api.UsageReport{
		OperationID: f.attrs.OperationID,
		Timestamp:   time.Now(),
		Operation:   f.attrs.Operation,
		Method:      f.attrs.Method,
		Path:        f.attrs.Path,
		CallerID:    f.attrs.CallerID,
		Outcome:     f.outcome(),
		Decision:    f.result,
		FinalStatus: finalStatus,
		RequestSize: f.requestBytes,
		Duration:    time.Since(f.attrs.ReceivedAt),
	}
	f.reporter.Emit(rep)
}

func (f *Filter) outcome() api.ReportOutcome {
	if f.result == nil {
		return api.OutcomeAborted
	}
	switch f.result.Decision {
	case api.DecisionAllow:
		return api.OutcomeAllowed
	case api.DecisionDeny:
		return api.OutcomeDenied
	default:
		return api.OutcomeError
	}
}

// rejection maps a non-allow result onto the synthesized response. Policy
// denies carry the service's own code and message; infrastructure errors
// fail closed with 503 and a generic message, the detail stays in the
// report and the logs.
func rejection(result *api.CheckResult) (int, string) {
	if result.Decision == api.DecisionDeny {
		code := result.Code
		if code == 0 {
			code = http.StatusForbidden
		}
		return code, result.Message
	}
	return http.StatusServiceUnavailable, "authorization check unavailable"
}
