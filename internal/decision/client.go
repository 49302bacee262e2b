package decision

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
)

// Client is the decision service boundary. Check resolves an authorization
// decision for one request; Report delivers the usage report for it.
//
// Check errors are infrastructure failures, never policy denials: a policy
// deny is a successful Check returning api.DecisionDeny.
type Client interface {
	Check(ctx context.Context, attrs *api.RequestAttributes) (*api.CheckResult, error)
	Report(ctx context.Context, rep *api.UsageReport) error
}

// requestHeaders are forwarded to the decision service as part of the
// attribute snapshot.
var requestHeaders = []string{
	"User-Agent",
	"Content-Type",
	"Referer",
	"Origin",
}

// Attributes takes the immutable request snapshot sent to the decision
// service. It copies everything it keeps; the snapshot outlives the request.
func Attributes(r *http.Request, route *config.Route) *api.RequestAttributes {
	attrs := &api.RequestAttributes{
		OperationID: uuid.New().String(),
		Method:      r.Method,
		Path:        r.URL.Path,
		Host:        r.Host,
		CallerID:    callerID(r),
		ReceivedAt:  time.Now(),
	}
	if route != nil {
		attrs.Operation = route.OperationName()
	}
	for _, name := range requestHeaders {
		if v := r.Header.Get(name); v != "" {
			if attrs.Headers == nil {
				attrs.Headers = make(map[string]string)
			}
			attrs.Headers[name] = v
		}
	}
	return attrs
}

// callerID identifies the caller: API key if present, otherwise client IP.
func callerID(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
