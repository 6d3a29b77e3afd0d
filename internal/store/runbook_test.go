package store

import (
	"context"
	"errors"
	"testing"
)

func TestInsertRunbookAndGetByID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	rb, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: tenant-migration", "mig_tenant_migration_1", OverdueRerun, false)
	if err != nil {
		t.Fatalf("InsertRunbook: %v", err)
	}
	if rb.ID == 0 {
		t.Fatal("expected a non-zero id")
	}
	if rb.IsActive {
		t.Fatal("a freshly inserted runbook should not be active")
	}

	got, err := s.GetRunbookByID(ctx, rb.ID)
	if err != nil {
		t.Fatalf("GetRunbookByID: %v", err)
	}
	if got.Name != "tenant-migration" || got.Version != 1 {
		t.Fatalf("got = %+v, want name=tenant-migration version=1", got)
	}
}

func TestGetRunbookByIDNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()

	_, err := s.GetRunbookByID(context.Background(), 9999)
	if !errors.Is(err, ErrRunbookNotFound) {
		t.Fatalf("error = %v, want ErrRunbookNotFound", err)
	}
}

func TestNextRunbookVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	v, err := s.NextRunbookVersion(ctx, "tenant-migration")
	if err != nil {
		t.Fatalf("NextRunbookVersion on unseen name: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	if _, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: tenant-migration", "mig_tenant_migration_1", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v1: %v", err)
	}
	if _, err := s.InsertRunbook(ctx, "tenant-migration", 2, "name: tenant-migration", "mig_tenant_migration_2", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v2: %v", err)
	}

	v, err = s.NextRunbookVersion(ctx, "tenant-migration")
	if err != nil {
		t.Fatalf("NextRunbookVersion: %v", err)
	}
	if v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}
}

func TestActivateRunbookDeactivatesOtherVersions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if _, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: tenant-migration", "mig_tenant_migration_1", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v1: %v", err)
	}
	if _, err := s.InsertRunbook(ctx, "tenant-migration", 2, "name: tenant-migration", "mig_tenant_migration_2", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v2: %v", err)
	}

	if err := s.ActivateRunbook(ctx, "tenant-migration", 1); err != nil {
		t.Fatalf("ActivateRunbook v1: %v", err)
	}
	if err := s.ActivateRunbook(ctx, "tenant-migration", 2); err != nil {
		t.Fatalf("ActivateRunbook v2: %v", err)
	}

	active, err := s.GetActiveRunbookByName(ctx, "tenant-migration")
	if err != nil {
		t.Fatalf("GetActiveRunbookByName: %v", err)
	}
	if active.Version != 2 {
		t.Fatalf("active version = %d, want 2", active.Version)
	}

	all, err := s.ListActiveRunbooks(ctx)
	if err != nil {
		t.Fatalf("ListActiveRunbooks: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListActiveRunbooks() = %d rows, want 1", len(all))
	}
}

func TestActivateRunbookUnknownVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if _, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: tenant-migration", "mig_tenant_migration_1", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook: %v", err)
	}

	err := s.ActivateRunbook(ctx, "tenant-migration", 5)
	if !errors.Is(err, ErrRunbookNotFound) {
		t.Fatalf("error = %v, want ErrRunbookNotFound", err)
	}
}

func TestGetRunbookByNameVersionPinsHistoricalVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	if _, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: v1", "mig_tenant_migration_1", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v1: %v", err)
	}
	if _, err := s.InsertRunbook(ctx, "tenant-migration", 2, "name: v2", "mig_tenant_migration_2", OverdueRerun, false); err != nil {
		t.Fatalf("InsertRunbook v2: %v", err)
	}
	if err := s.ActivateRunbook(ctx, "tenant-migration", 2); err != nil {
		t.Fatalf("ActivateRunbook: %v", err)
	}

	pinned, err := s.GetRunbookByNameVersion(ctx, "tenant-migration", 1)
	if err != nil {
		t.Fatalf("GetRunbookByNameVersion: %v", err)
	}
	if pinned.YAML != "name: v1" {
		t.Fatalf("pinned yaml = %q, want %q", pinned.YAML, "name: v1")
	}
}

func TestSetRunbookError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	rb, err := s.InsertRunbook(ctx, "tenant-migration", 1, "name: tenant-migration", "mig_tenant_migration_1", OverdueRerun, false)
	if err != nil {
		t.Fatalf("InsertRunbook: %v", err)
	}

	if err := s.SetRunbookError(ctx, rb.ID, "data source unreachable"); err != nil {
		t.Fatalf("SetRunbookError: %v", err)
	}
	got, err := s.GetRunbookByID(ctx, rb.ID)
	if err != nil {
		t.Fatalf("GetRunbookByID: %v", err)
	}
	if got.LastError != "data source unreachable" {
		t.Fatalf("last_error = %q, want %q", got.LastError, "data source unreachable")
	}

	if err := s.SetRunbookError(ctx, rb.ID, ""); err != nil {
		t.Fatalf("SetRunbookError clear: %v", err)
	}
	got, err = s.GetRunbookByID(ctx, rb.ID)
	if err != nil {
		t.Fatalf("GetRunbookByID: %v", err)
	}
	if got.LastError != "" {
		t.Fatalf("last_error = %q, want empty after clear", got.LastError)
	}
}

func TestAutomationEnabledDefaultsTrue(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	enabled, err := s.AutomationEnabled(ctx, "never-configured")
	if err != nil {
		t.Fatalf("AutomationEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("expected automation to default to enabled for an unconfigured runbook")
	}

	if err := s.SetAutomationEnabled(ctx, "never-configured", false); err != nil {
		t.Fatalf("SetAutomationEnabled: %v", err)
	}
	enabled, err = s.AutomationEnabled(ctx, "never-configured")
	if err != nil {
		t.Fatalf("AutomationEnabled after disable: %v", err)
	}
	if enabled {
		t.Fatal("expected automation to be disabled after SetAutomationEnabled(false)")
	}

	// Flipping back on exercises the ON CONFLICT update path.
	if err := s.SetAutomationEnabled(ctx, "never-configured", true); err != nil {
		t.Fatalf("SetAutomationEnabled re-enable: %v", err)
	}
	enabled, err = s.AutomationEnabled(ctx, "never-configured")
	if err != nil {
		t.Fatalf("AutomationEnabled after re-enable: %v", err)
	}
	if !enabled {
		t.Fatal("expected automation to be enabled again")
	}
}
