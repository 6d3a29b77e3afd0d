// Package policy gates worker dispatch: before the orchestrator hands a
// step to a worker, it evaluates the step's "worker_id:function_name"
// string against the configured rule set and gets back an allow, warn, or
// deny decision. Rules rank by mode (deny > warn > allow); the highest
// ranked enabled match wins.
package policy

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/opus-domini/tenantmigrator/internal/store"
)

type Decision struct {
	Mode          string
	Allowed       bool
	Message       string
	MatchedRuleID string
}

type Service struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log.With("component", "policy")}
}

// Target formats the string policy rules match against.
func Target(workerID, functionName string) string {
	return workerID + ":" + functionName
}

// Evaluate returns the winning decision for target across every enabled
// rule. No matching rule means allow, matching the tmux guardrail default.
func (s *Service) Evaluate(ctx context.Context, target string) (Decision, error) {
	if s == nil || s.store == nil {
		return Decision{Mode: store.PolicyModeAllow, Allowed: true}, nil
	}

	rules, err := s.store.ListPolicyRules(ctx)
	if err != nil {
		return Decision{}, err
	}

	winningRank := rank(store.PolicyModeAllow)
	winningMode := store.PolicyModeAllow
	winningRuleID := ""
	winningMessage := ""

	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		matched, err := ruleMatches(rule, target)
		if err != nil {
			s.log.Warn("policy regex compile failed", "rule", rule.ID, "pattern", rule.Pattern, "error", err)
			continue
		}
		if !matched {
			continue
		}
		r := rank(rule.Mode)
		if r > winningRank {
			winningRank = r
			winningMode = rule.Mode
			winningRuleID = rule.ID
			winningMessage = strings.TrimSpace(rule.Message)
		}
	}

	if winningMessage == "" {
		switch winningMode {
		case store.PolicyModeDeny:
			winningMessage = "dispatch denied by policy"
		case store.PolicyModeWarn:
			winningMessage = "dispatch matched a warning policy"
		}
	}

	return Decision{
		Mode:          winningMode,
		Allowed:       winningMode != store.PolicyModeDeny,
		Message:       winningMessage,
		MatchedRuleID: winningRuleID,
	}, nil
}

func (s *Service) ListRules(ctx context.Context) ([]store.PolicyRule, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	return s.store.ListPolicyRules(ctx)
}

func (s *Service) UpsertRule(ctx context.Context, rule store.PolicyRuleWrite) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.UpsertPolicyRule(ctx, rule)
}

func ruleMatches(rule store.PolicyRule, target string) (bool, error) {
	pattern := strings.TrimSpace(rule.Pattern)
	if pattern == "" || target == "" {
		return false, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(target), nil
}

func rank(mode string) int {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case store.PolicyModeDeny:
		return 3
	case store.PolicyModeWarn:
		return 2
	default:
		return 1
	}
}
