package config

import "time"

const (
	DefaultListenAddr   = ":8080"
	DefaultOpsAddr      = "127.0.0.1:9090"
	DefaultHealthzPath  = "/healthz"
	DefaultCheckTimeout = 5 * time.Second
	DefaultReportBuffer = 256
)

// DefaultLogDir returns the default usage-report directory path.
func DefaultLogDir() string {
	return "~/.svcgate/reports"
}
