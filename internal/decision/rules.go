package decision

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
)

// RulesEngine is a local decision service: first-match-wins evaluation of
// the config file's rules. It never fails a Check; an unmatched request gets
// the default action.
type RulesEngine struct {
	rules         []config.Rule
	defaultAction api.Decision

	// compiled path regexes, keyed by rule name
	regexCache map[string]*regexp.Regexp
}

// NewRulesEngine compiles the rules from an already-validated config.
func NewRulesEngine(cfg *config.Config) (*RulesEngine, error) {
	e := &RulesEngine{
		rules:         cfg.File.Rules,
		defaultAction: cfg.File.Settings.DefaultAction,
		regexCache:    make(map[string]*regexp.Regexp),
	}
	for _, rule := range e.rules {
		if rule.Match.PathRegex != "" {
			re, err := regexp.Compile(rule.Match.PathRegex)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			e.regexCache[rule.Name] = re
		}
	}
	return e, nil
}

// Check evaluates rules in order, returning the first match.
func (e *RulesEngine) Check(_ context.Context, attrs *api.RequestAttributes) (*api.CheckResult, error) {
	for i := range e.rules {
		rule := &e.rules[i]
		if !e.matches(rule, attrs) {
			continue
		}
		if rule.Action == "allow" {
			res := api.Allow()
			res.Rule = rule.Name
			return res, nil
		}
		return e.deny(rule), nil
	}

	if e.defaultAction == api.DecisionAllow {
		res := api.Allow()
		res.Rule = "_default"
		return res, nil
	}
	res := api.Deny(http.StatusForbidden, "no matching rule; default action applied")
	res.Rule = "_default"
	return res, nil
}

// Report is a no-op: local engines keep no usage state, the reporter's own
// store is the record.
func (e *RulesEngine) Report(context.Context, *api.UsageReport) error {
	return nil
}

func (e *RulesEngine) deny(rule *config.Rule) *api.CheckResult {
	code := rule.Code
	if code == 0 {
		code = http.StatusForbidden
	}
	msg := rule.Message
	if msg == "" {
		msg = fmt.Sprintf("denied by rule %q", rule.Name)
	}
	res := api.Deny(code, msg)
	res.Rule = rule.Name
	return res
}

func (e *RulesEngine) matches(rule *config.Rule, attrs *api.RequestAttributes) bool {
	if rule.Match.Method != "" && rule.Match.Method != attrs.Method {
		return false
	}
	if rule.Match.PathPrefix != "" && !strings.HasPrefix(attrs.Path, rule.Match.PathPrefix) {
		return false
	}
	if rule.Match.CallerID != "" && rule.Match.CallerID != attrs.CallerID {
		return false
	}
	if rule.Match.PathRegex != "" {
		re, ok := e.regexCache[rule.Name]
		if !ok || !re.MatchString(attrs.Path) {
			return false
		}
	}
	return true
}
