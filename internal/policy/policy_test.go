package policy

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/opus-domini/tenantmigrator/internal/store"
)

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func mustUpsert(t *testing.T, st *store.Store, rule store.PolicyRuleWrite) {
	t.Helper()
	if err := st.UpsertPolicyRule(context.Background(), rule); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateDefaultsToAllow(t *testing.T) {
	t.Parallel()
	svc, _ := testService(t)
	d, err := svc.Evaluate(context.Background(), Target("mailbox-worker", "move_mailbox"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Mode != store.PolicyModeAllow {
		t.Fatalf("expected default allow, got %+v", d)
	}
}

func TestEvaluateDenyWins(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "allow-all", Pattern: `.*`, Mode: store.PolicyModeAllow, Enabled: true})
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "warn-mailbox", Pattern: `^mailbox-worker:`, Mode: store.PolicyModeWarn, Enabled: true})
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "deny-delete", Pattern: `^mailbox-worker:delete_mailbox$`, Mode: store.PolicyModeDeny, Message: "deletes are blocked", Enabled: true})

	d, err := svc.Evaluate(context.Background(), Target("mailbox-worker", "delete_mailbox"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("expected deny to win over warn and allow, got %+v", d)
	}
	if d.Message != "deletes are blocked" {
		t.Fatalf("expected the deny rule's message, got %q", d.Message)
	}
	if d.MatchedRuleID != "deny-delete" {
		t.Fatalf("expected deny-delete to be the winning rule, got %q", d.MatchedRuleID)
	}
}

func TestEvaluateWarnStillAllows(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "warn-mailbox", Pattern: `^mailbox-worker:`, Mode: store.PolicyModeWarn, Enabled: true})

	d, err := svc.Evaluate(context.Background(), Target("mailbox-worker", "move_mailbox"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Mode != store.PolicyModeWarn {
		t.Fatalf("expected warn to allow with warn mode, got %+v", d)
	}
}

func TestEvaluateDisabledRuleIgnored(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "deny-all", Pattern: `.*`, Mode: store.PolicyModeDeny, Enabled: false})

	d, err := svc.Evaluate(context.Background(), Target("identity-worker", "provision_account"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected disabled deny rule to be ignored, got %+v", d)
	}
}

func TestEvaluateBadRegexSkipped(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	mustUpsert(t, st, store.PolicyRuleWrite{ID: "broken", Pattern: `([`, Mode: store.PolicyModeDeny, Enabled: true})

	d, err := svc.Evaluate(context.Background(), Target("identity-worker", "provision_account"))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("expected a broken rule to be skipped, got %+v", d)
	}
}
