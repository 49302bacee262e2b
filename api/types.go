package api

import "time"

// Decision represents the outcome of a check against the decision service.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionError Decision = "error"
)

// ErrorClass distinguishes infrastructure failures from policy denials in
// usage reports. It is only set when Decision is DecisionError.
type ErrorClass string

const (
	// ErrorClassTransport covers unreachable or misbehaving decision services.
	ErrorClassTransport ErrorClass = "transport"
	// ErrorClassMalformed covers responses the client could not interpret.
	ErrorClassMalformed ErrorClass = "malformed_response"
	// ErrorClassCancelled covers calls cancelled before a decision resolved.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// CheckResult is the resolved outcome of a decision call.
//
// It is a tagged value: Code and Message are meaningful only for
// DecisionDeny, Class only for DecisionError.
type CheckResult struct {
	Decision Decision   `json:"decision"`
	Code     int        `json:"code,omitempty"`
	Message  string     `json:"message,omitempty"`
	Class    ErrorClass `json:"class,omitempty"`
	Rule     string     `json:"rule,omitempty"`
}

// Allowed reports whether the request may proceed downstream.
func (r *CheckResult) Allowed() bool {
	return r != nil && r.Decision == DecisionAllow
}

// Allow returns an allow result.
func Allow() *CheckResult {
	return &CheckResult{Decision: DecisionAllow}
}

// Deny returns a deny result with the status code and message the synthesized
// rejection response will carry.
func Deny(code int, message string) *CheckResult {
	return &CheckResult{Decision: DecisionDeny, Code: code, Message: message}
}

// CheckError returns an error-classified result. The gate treats it as a deny
// (fail-closed) but reports it distinctly from a policy rejection.
func CheckError(class ErrorClass, message string) *CheckResult {
	return &CheckResult{Decision: DecisionError, Class: class, Message: message}
}

// RequestAttributes is the immutable snapshot of a request taken at
// header-arrival time and sent to the decision service. It outlives the
// stream that produced it (reports reference it after teardown), so it must
// not alias mutable request state.
type RequestAttributes struct {
	OperationID string            `json:"operation_id"`
	Operation   string            `json:"operation,omitempty"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Host        string            `json:"host,omitempty"`
	CallerID    string            `json:"caller_id,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ReportOutcome describes how a gated request ended, for usage reporting.
type ReportOutcome string

const (
	OutcomeAllowed ReportOutcome = "allowed"
	OutcomeDenied  ReportOutcome = "denied"
	OutcomeError   ReportOutcome = "error"
	// OutcomeAborted marks requests torn down before a decision resolved.
	OutcomeAborted ReportOutcome = "aborted"
)

// UsageReport is the post-hoc record of one gated request, emitted exactly
// once per request whatever the outcome.
type UsageReport struct {
	OperationID string        `json:"operation_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Operation   string        `json:"operation,omitempty"`
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	CallerID    string        `json:"caller_id,omitempty"`
	Outcome     ReportOutcome `json:"outcome"`
	Decision    *CheckResult  `json:"decision,omitempty"`
	FinalStatus int           `json:"final_status,omitempty"`
	RequestSize int64         `json:"request_size,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// QueryFilter defines criteria for querying stored usage reports.
type QueryFilter struct {
	Since     time.Time     `json:"since,omitempty"`
	Until     time.Time     `json:"until,omitempty"`
	Operation string        `json:"operation,omitempty"`
	CallerID  string        `json:"caller_id,omitempty"`
	Outcome   ReportOutcome `json:"outcome,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	Offset    int           `json:"offset,omitempty"`
}

// ReportStats provides aggregate statistics over stored usage reports.
type ReportStats struct {
	TotalRequests int            `json:"total_requests"`
	AllowedCount  int            `json:"allowed_count"`
	DeniedCount   int            `json:"denied_count"`
	ErrorCount    int            `json:"error_count"`
	AbortedCount  int            `json:"aborted_count"`
	ByOperation   map[string]int `json:"by_operation"`
	ByCaller      map[string]int `json:"by_caller"`
}
