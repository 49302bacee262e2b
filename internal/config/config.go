package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svcgate/svcgate/api"
)

// File represents the top-level YAML configuration.
type File struct {
	Version  int      `yaml:"version" json:"version"`
	Settings Settings `yaml:"settings" json:"settings"`
	Rules    []Rule   `yaml:"rules,omitempty" json:"rules,omitempty"`
	Routes   []Route  `yaml:"routes,omitempty" json:"routes,omitempty"`
}

// Settings contains global gateway settings.
type Settings struct {
	ListenAddr     string         `yaml:"listen_addr,omitempty" json:"listen_addr,omitempty"`
	OpsAddr        string         `yaml:"ops_addr,omitempty" json:"ops_addr,omitempty"`
	BackendAddress string         `yaml:"backend_address,omitempty" json:"backend_address,omitempty"`
	HealthzPath    string         `yaml:"healthz_path,omitempty" json:"healthz_path,omitempty"`
	LogDir         string         `yaml:"log_dir,omitempty" json:"log_dir,omitempty"`
	DefaultAction  api.Decision   `yaml:"default_action,omitempty" json:"default_action,omitempty"`
	Check          CheckSettings  `yaml:"check" json:"check"`
	Report         ReportSettings `yaml:"report,omitempty" json:"report,omitempty"`
	Quota          *QuotaSettings `yaml:"quota,omitempty" json:"quota,omitempty"`
}

// CheckMode selects the decision service backend.
type CheckMode string

const (
	// CheckModeRules evaluates the in-file rules locally, first match wins.
	CheckModeRules CheckMode = "rules"
	// CheckModeOPA evaluates an embedded Rego policy locally.
	CheckModeOPA CheckMode = "opa"
	// CheckModeRemote calls a remote decision service over HTTP.
	CheckModeRemote CheckMode = "remote"
)

// CheckSettings configures the decision service client.
type CheckSettings struct {
	Mode      CheckMode `yaml:"mode" json:"mode"`
	URL       string    `yaml:"url,omitempty" json:"url,omitempty"`
	Timeout   string    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OPAPolicy string    `yaml:"opa_policy,omitempty" json:"opa_policy,omitempty"`
}

// ReportSettings configures the usage reporter.
type ReportSettings struct {
	BufferSize int `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
}

// QuotaSettings configures the local sliding-window quota backend, applied
// on top of whatever check mode is selected.
type QuotaSettings struct {
	Global    *QuotaRule            `yaml:"global,omitempty" json:"global,omitempty"`
	PerCaller map[string]*QuotaRule `yaml:"per_caller,omitempty" json:"per_caller,omitempty"`
}

// QuotaRule defines a single quota: max requests per time window.
type QuotaRule struct {
	Max    int    `yaml:"max" json:"max"`
	Window string `yaml:"window" json:"window"`
}

// Rule is a single local decision rule, evaluated in order.
type Rule struct {
	Name    string    `yaml:"name" json:"name"`
	Match   RuleMatch `yaml:"match" json:"match"`
	Action  string    `yaml:"action" json:"action"`
	Code    int       `yaml:"code,omitempty" json:"code,omitempty"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// RuleMatch specifies conditions for matching a request.
type RuleMatch struct {
	Method     string `yaml:"method,omitempty" json:"method,omitempty"`
	PathPrefix string `yaml:"path_prefix,omitempty" json:"path_prefix,omitempty"`
	PathRegex  string `yaml:"path_regex,omitempty" json:"path_regex,omitempty"`
	CallerID   string `yaml:"caller_id,omitempty" json:"caller_id,omitempty"`
}

// Route names an operation for reporting and controls per-route gating.
// A route-level quota overrides the global quota for requests on the route;
// per-caller quotas still apply.
type Route struct {
	Name      string     `yaml:"name" json:"name"`
	Match     RouteMatch `yaml:"match" json:"match"`
	Operation string     `yaml:"operation,omitempty" json:"operation,omitempty"`
	SkipCheck bool       `yaml:"skip_check,omitempty" json:"skip_check,omitempty"`
	Quota     *QuotaRule `yaml:"quota,omitempty" json:"quota,omitempty"`
}

// RouteMatch specifies how requests map onto a route.
type RouteMatch struct {
	Method     string `yaml:"method,omitempty" json:"method,omitempty"`
	PathPrefix string `yaml:"path_prefix" json:"path_prefix"`
}

// Config is the validated runtime configuration. It is immutable after load
// and shared read-only across all in-flight requests.
type Config struct {
	File         *File
	Path         string
	ListenAddr   string
	OpsAddr      string
	HealthzPath  string
	LogDir       string
	CheckTimeout time.Duration
	ReportBuffer int
}

// Load reads a YAML config file and produces a runtime Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return fromFile(&f)
}

func fromFile(f *File) (*Config, error) {
	cfg := &Config{
		File:         f,
		ListenAddr:   f.Settings.ListenAddr,
		OpsAddr:      f.Settings.OpsAddr,
		HealthzPath:  f.Settings.HealthzPath,
		LogDir:       f.Settings.LogDir,
		ReportBuffer: f.Settings.Report.BufferSize,
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.OpsAddr == "" {
		cfg.OpsAddr = DefaultOpsAddr
	}
	if cfg.HealthzPath == "" {
		cfg.HealthzPath = DefaultHealthzPath
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir()
	}
	cfg.LogDir = expandHome(cfg.LogDir)
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = DefaultReportBuffer
	}

	if f.Settings.Check.Timeout != "" {
		d, err := time.ParseDuration(f.Settings.Check.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid check.timeout %q: %w", f.Settings.Check.Timeout, err)
		}
		cfg.CheckTimeout = d
	} else {
		cfg.CheckTimeout = DefaultCheckTimeout
	}

	return cfg, nil
}

func validate(f *File) error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", f.Version)
	}

	switch f.Settings.Check.Mode {
	case CheckModeRules, CheckModeOPA, CheckModeRemote:
	case "":
		f.Settings.Check.Mode = CheckModeRules
	default:
		return fmt.Errorf("invalid check.mode %q", f.Settings.Check.Mode)
	}
	if f.Settings.Check.Mode == CheckModeRemote && f.Settings.Check.URL == "" {
		return fmt.Errorf("check.mode %q requires check.url", CheckModeRemote)
	}
	if f.Settings.Check.Mode == CheckModeOPA && f.Settings.Check.OPAPolicy == "" {
		return fmt.Errorf("check.mode %q requires check.opa_policy", CheckModeOPA)
	}

	switch f.Settings.DefaultAction {
	case api.DecisionAllow, api.DecisionDeny:
	case "":
		f.Settings.DefaultAction = api.DecisionDeny
	default:
		return fmt.Errorf("invalid default_action %q", f.Settings.DefaultAction)
	}

	for i, rule := range f.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if rule.Action != "allow" && rule.Action != "deny" {
			return fmt.Errorf("rule %q: invalid action %q", rule.Name, rule.Action)
		}
		if rule.Match.Method == "" && rule.Match.PathPrefix == "" &&
			rule.Match.PathRegex == "" && rule.Match.CallerID == "" {
			return fmt.Errorf("rule %q: at least one match condition is required", rule.Name)
		}
		if rule.Match.PathRegex != "" {
			if _, err := regexp.Compile(rule.Match.PathRegex); err != nil {
				return fmt.Errorf("rule %q: path_regex invalid: %w", rule.Name, err)
			}
		}
	}

	for i, route := range f.Routes {
		if route.Name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if route.Match.PathPrefix == "" {
			return fmt.Errorf("route %q: match.path_prefix is required", route.Name)
		}
		if route.Quota != nil {
			if err := validateQuotaRule("route "+route.Name, route.Quota); err != nil {
				return err
			}
		}
	}

	if q := f.Settings.Quota; q != nil {
		if q.Global != nil {
			if err := validateQuotaRule("global", q.Global); err != nil {
				return err
			}
		}
		for caller, rule := range q.PerCaller {
			if err := validateQuotaRule("per_caller "+caller, rule); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateQuotaRule(name string, r *QuotaRule) error {
	if r.Max <= 0 {
		return fmt.Errorf("quota %s: max must be positive", name)
	}
	if _, err := time.ParseDuration(r.Window); err != nil {
		return fmt.Errorf("quota %s: invalid window %q: %w", name, r.Window, err)
	}
	return nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// OperationName returns the operation name requests on this route are
// checked and reported under.
func (r *Route) OperationName() string {
	if r.Operation != "" {
		return r.Operation
	}
	return r.Name
}

// RouteFor returns the first route matching the request, or nil.
func (c *Config) RouteFor(method, path string) *Route {
	for i := range c.File.Routes {
		r := &c.File.Routes[i]
		if r.Match.Method != "" && r.Match.Method != method {
			continue
		}
		if !strings.HasPrefix(path, r.Match.PathPrefix) {
			continue
		}
		return r
	}
	return nil
}

// Default returns a config with defaults for when no config file is given.
func Default() *Config {
	cfg, err := fromFile(&File{
		Version: 1,
		Settings: Settings{
			DefaultAction: api.DecisionDeny,
			Check:         CheckSettings{Mode: CheckModeRules},
		},
	})
	if err != nil {
		panic(err) // defaults are statically valid
	}
	return cfg
}

// MarshalYAML serializes the config file for display/export.
func (c *Config) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.File)
}
