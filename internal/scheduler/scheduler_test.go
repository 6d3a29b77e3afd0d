package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/bus"
	"github.com/opus-domini/tenantmigrator/internal/datasource"
	"github.com/opus-domini/tenantmigrator/internal/events"
	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBus(st *store.Store) *bus.Bus {
	return bus.New(st, testLogger())
}

// fakeConnector returns a fixed, mutable slice of rows on every Query call,
// letting a test swap the population between ticks to exercise the member
// diff.
type fakeConnector struct {
	rows []datasource.Row
}

func (f *fakeConnector) Query(ctx context.Context) ([]datasource.Row, error) {
	return f.rows, nil
}

func testConnectors(conn *fakeConnector) *datasource.Registry {
	factory := func(string, string) datasource.Connector { return conn }
	return datasource.NewRegistry(factory, factory)
}

const singleStepRunbookYAML = `
name: tick-test
data_source:
  type: sql
  connection: sqlite://ignored
  query: ignored
  primary_key: user_id
  batch_time: immediate
phases:
  - name: migrate
    offset: "T-0"
    steps:
      - name: echo
        worker_id: echo-worker
        function: echo
        params:
          user_id: "{{user_id}}"
overdue_behavior: rerun
`

func insertActiveRunbook(t *testing.T, st *store.Store, name, yamlDoc string) store.Runbook {
	t.Helper()
	ctx := context.Background()
	rb, err := st.InsertRunbook(ctx, name, 1, yamlDoc, "runbook_"+name+"_v1", store.OverdueRerun, false)
	if err != nil {
		t.Fatalf("insert runbook: %v", err)
	}
	if err := st.ActivateRunbook(ctx, name, 1); err != nil {
		t.Fatalf("activate runbook: %v", err)
	}
	if err := st.SetAutomationEnabled(ctx, name, true); err != nil {
		t.Fatalf("enable automation: %v", err)
	}
	rb, err = st.GetRunbookByID(ctx, rb.ID)
	if err != nil {
		t.Fatalf("reload runbook: %v", err)
	}
	return rb
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	svc := New(st, testBus(st), testLogger(), Options{})

	if svc.opts.TickInterval != defaultTickInterval {
		t.Fatalf("expected tick interval %v, got %v", defaultTickInterval, svc.opts.TickInterval)
	}
	if svc.opts.CatchUpWindow != 24*time.Hour {
		t.Fatalf("expected catch-up window 24h, got %v", svc.opts.CatchUpWindow)
	}
	if svc.opts.DefaultMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", svc.opts.DefaultMaxRetries)
	}
	if svc.connectors == nil {
		t.Fatal("expected a default connector registry, got nil")
	}
}

func TestNew_NegativeTickIntervalFallsBackToDefault(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	svc := New(st, testBus(st), testLogger(), Options{TickInterval: -1 * time.Second})
	if svc.opts.TickInterval != defaultTickInterval {
		t.Fatalf("expected default %v, got %v", defaultTickInterval, svc.opts.TickInterval)
	}
}

// TestTick_ImmediateBatchSingleStep exercises seed scenario A: an
// immediate-batch, single-phase, single-step runbook whose one member
// should end up with a batch row, an active member, a dispatched phase,
// and a pending step execution with its template resolved, all within one
// tick (T-0 is always immediately due).
func TestTick_ImmediateBatchSingleStep(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	conn := &fakeConnector{rows: []datasource.Row{{"user_id": "u1"}}}
	svc := New(st, testBus(st), testLogger(), Options{
		EventHub:   events.NewHub(),
		Connectors: testConnectors(conn),
	})
	insertActiveRunbook(t, st, "tick-test", singleStepRunbookYAML)

	ctx := context.Background()
	svc.tick(ctx)

	batches, err := st.ListActiveBatchesForRunbookName(ctx, "tick-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	batch := batches[0]
	if batch.Status != store.BatchStatusActive {
		t.Fatalf("expected batch active (no init steps), got %s", batch.Status)
	}

	members, err := st.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].MemberKey != "u1" {
		t.Fatalf("expected one active member u1, got %+v", members)
	}

	phases, err := st.ListPhaseExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != 1 {
		t.Fatalf("expected 1 phase execution, got %d", len(phases))
	}
	if phases[0].Status != store.PhaseStatusDispatched {
		t.Fatalf("expected phase dispatched (T-0 due immediately), got %s", phases[0].Status)
	}

	steps, err := st.ListStepExecutionsForPhase(ctx, phases[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step execution, got %d", len(steps))
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(steps[0].ParamsJSON), &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["user_id"] != "u1" {
		t.Fatalf("expected template-resolved user_id=u1, got %q", params["user_id"])
	}
	if steps[0].Status != store.StepStatusPending {
		t.Fatalf("expected step pending (orchestrator dispatches step 0), got %s", steps[0].Status)
	}
}

// TestTick_ImmediateBatchDetectedTwiceSameWindow covers the boundary case:
// an immediate batch detected on two ticks inside the same 5-minute bucket
// must reuse the same batch row, not fork a second one.
func TestTick_ImmediateBatchDetectedTwiceSameWindow(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	conn := &fakeConnector{rows: []datasource.Row{{"user_id": "u1"}}}
	svc := New(st, testBus(st), testLogger(), Options{
		EventHub:   events.NewHub(),
		Connectors: testConnectors(conn),
	})
	insertActiveRunbook(t, st, "tick-test", singleStepRunbookYAML)

	ctx := context.Background()
	svc.tick(ctx)
	svc.tick(ctx)

	batches, err := st.ListActiveBatchesForRunbookName(ctx, "tick-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected the second tick to land in the same batch, got %d batches", len(batches))
	}
}

// TestTick_MemberDiff covers seed scenario C: u1/u2 on tick one, u2/u3 on
// tick two. u3 should be added, u1 removed, u2 retained.
func TestTick_MemberDiff(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	conn := &fakeConnector{rows: []datasource.Row{{"user_id": "u1"}, {"user_id": "u2"}}}
	svc := New(st, testBus(st), testLogger(), Options{
		EventHub:   events.NewHub(),
		Connectors: testConnectors(conn),
	})
	insertActiveRunbook(t, st, "tick-test", singleStepRunbookYAML)

	ctx := context.Background()
	svc.tick(ctx)

	conn.rows = []datasource.Row{{"user_id": "u2"}, {"user_id": "u3"}}
	svc.tick(ctx)

	batches, err := st.ListActiveBatchesForRunbookName(ctx, "tick-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch across both ticks, got %d", len(batches))
	}
	batch := batches[0]

	all, err := st.ListAllMembers(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	byKey := map[string]store.BatchMember{}
	for _, m := range all {
		byKey[m.MemberKey] = m
	}
	if len(byKey) != 3 {
		t.Fatalf("expected 3 distinct members seen across both ticks, got %d", len(byKey))
	}
	if byKey["u1"].Status != store.MemberStatusRemoved {
		t.Fatalf("expected u1 removed, got %s", byKey["u1"].Status)
	}
	if byKey["u2"].Status != store.MemberStatusActive {
		t.Fatalf("expected u2 to remain active, got %s", byKey["u2"].Status)
	}
	if byKey["u3"].Status != store.MemberStatusActive {
		t.Fatalf("expected u3 added active, got %s", byKey["u3"].Status)
	}

	msgs, _, err := testBus(st).Claim(ctx, bus.TopicControl, 100, func() any { return new(json.RawMessage) })
	if err != nil {
		t.Fatal(err)
	}
	var sawAdded, sawRemoved bool
	for _, m := range msgs {
		switch m.Properties["kind"] {
		case bus.EventMemberAdded:
			sawAdded = true
		case bus.EventMemberRemoved:
			sawRemoved = true
		}
	}
	if !sawAdded {
		t.Fatal("expected a member-added control event for u3")
	}
	if !sawRemoved {
		t.Fatal("expected a member-removed control event for u1")
	}
}

// TestTick_ScheduledBatchPreambleDue covers seed scenario B: a column-mode
// batch whose batch_start_time is 5 days out should dispatch a T-5d phase
// while leaving T-0 pending.
func TestTick_ScheduledBatchPreambleDue(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	const yamlDoc = `
name: scheduled-test
data_source:
  type: sql
  connection: sqlite://ignored
  query: ignored
  primary_key: user_id
  batch_time: column
  batch_time_column: migrate_at
phases:
  - name: preamble
    offset: "T-5d"
    steps:
      - name: notify
        worker_id: echo-worker
        function: notify
  - name: cutover
    offset: "T-0"
    steps:
      - name: cut
        worker_id: echo-worker
        function: cutover
overdue_behavior: rerun
`
	batchStart := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	conn := &fakeConnector{rows: []datasource.Row{{"user_id": "u1", "migrate_at": batchStart.Format(time.RFC3339)}}}
	svc := New(st, testBus(st), testLogger(), Options{
		EventHub:   events.NewHub(),
		Connectors: testConnectors(conn),
	})
	insertActiveRunbook(t, st, "scheduled-test", yamlDoc)

	ctx := context.Background()
	svc.tickAt(ctx, time.Date(2030, 1, 5, 0, 0, 0, 0, time.UTC))

	batches, err := st.ListActiveBatchesForRunbookName(ctx, "scheduled-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	phases, err := st.ListPhaseExecutionsForBatch(ctx, batches[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]store.PhaseExecution{}
	for _, ph := range phases {
		byName["phase/"+ph.PhaseName] = ph
	}
	preamble, ok := byName["phase/preamble"]
	if !ok {
		t.Fatal("expected a preamble phase execution")
	}
	if preamble.Status != store.PhaseStatusDispatched {
		t.Fatalf("expected T-5d preamble dispatched at tick time, got %s", preamble.Status)
	}
	cutover, ok := byName["phase/cutover"]
	if !ok {
		t.Fatal("expected a cutover phase execution")
	}
	if cutover.Status != store.PhaseStatusPending {
		t.Fatalf("expected T-0 cutover still pending, got %s", cutover.Status)
	}
}

// TestEvaluateVersionTransitions_OverdueIgnoreSkipsPastDuePhase covers seed
// scenario F: a v2 publish arrives while tick time is already past the new
// phase's due_at, and overdue_behavior=ignore means the new phase is
// skipped rather than fired.
func TestEvaluateVersionTransitions_OverdueIgnoreSkipsPastDuePhase(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	svc := New(st, testBus(st), testLogger(), Options{EventHub: events.NewHub()})

	const v1YAML = `
name: version-test
data_source: {type: sql, connection: x, query: x, primary_key: user_id, batch_time: immediate}
phases:
  - {name: preamble, offset: "T-5d", steps: [{name: notify, worker_id: w, function: notify}]}
overdue_behavior: ignore
`
	const v2YAML = `
name: version-test
data_source: {type: sql, connection: x, query: x, primary_key: user_id, batch_time: immediate}
phases:
  - {name: cutover, offset: "T-5d", steps: [{name: cut, worker_id: w, function: cutover}]}
overdue_behavior: ignore
`
	rbv1, err := st.InsertRunbook(ctx, "version-test", 1, v1YAML, "runbook_version_test_v1", store.OverdueIgnore, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ActivateRunbook(ctx, "version-test", 1); err != nil {
		t.Fatal(err)
	}

	start := time.Now().UTC().Add(-10 * 24 * time.Hour)
	batch, _, err := st.GetOrCreateBatchForGroup(ctx, rbv1.ID, &start)
	if err != nil {
		t.Fatal(err)
	}
	dueAt := start.Add(-5 * 24 * time.Hour)
	ph, err := st.CreatePhaseExecution(ctx, batch.ID, "preamble", 5*24*60, &dueAt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetPhaseExecutionDispatched(ctx, ph.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.CASBatchStatus(ctx, batch.ID, store.BatchStatusDetected, store.BatchStatusActive); err != nil || !ok {
		t.Fatalf("activate batch: ok=%v err=%v", ok, err)
	}

	rbv2, err := st.InsertRunbook(ctx, "version-test", 2, v2YAML, "runbook_version_test_v2", store.OverdueIgnore, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ActivateRunbook(ctx, "version-test", 2); err != nil {
		t.Fatal(err)
	}
	rbv2, err = st.GetRunbookByID(ctx, rbv2.ID)
	if err != nil {
		t.Fatal(err)
	}
	def, err := runbookdef.Parse([]byte(v2YAML))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := svc.evaluateVersionTransitions(ctx, rbv2, *def, now); err != nil {
		t.Fatal(err)
	}

	phases, err := st.ListPhaseExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	var oldPhase, newPhase store.PhaseExecution
	for _, p := range phases {
		if p.RunbookVersion == 1 {
			oldPhase = p
		} else if p.RunbookVersion == 2 {
			newPhase = p
		}
	}
	if oldPhase.Status != store.PhaseStatusSuperseded {
		t.Fatalf("expected v1 phase superseded, got %s", oldPhase.Status)
	}
	if newPhase.ID == 0 {
		t.Fatal("expected a new v2 phase execution to be created")
	}
	if newPhase.Status != store.PhaseStatusSkipped {
		t.Fatalf("expected the already-overdue v2 phase skipped under overdue_behavior=ignore, got %s", newPhase.Status)
	}
}

// TestEvaluateVersionTransitions_OverdueRerunLeavesPhasePending mirrors the
// ignore case above with overdue_behavior=rerun: the new, already-overdue
// phase should be left pending so the ordinary due-phase evaluation fires
// it on the very next pass, rather than being skipped.
func TestEvaluateVersionTransitions_OverdueRerunLeavesPhasePending(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	svc := New(st, testBus(st), testLogger(), Options{EventHub: events.NewHub()})

	const v1YAML = `
name: version-test
data_source: {type: sql, connection: x, query: x, primary_key: user_id, batch_time: immediate}
phases:
  - {name: preamble, offset: "T-5d", steps: [{name: notify, worker_id: w, function: notify}]}
overdue_behavior: rerun
`
	const v2YAML = `
name: version-test
data_source: {type: sql, connection: x, query: x, primary_key: user_id, batch_time: immediate}
phases:
  - {name: cutover, offset: "T-5d", steps: [{name: cut, worker_id: w, function: cutover}]}
overdue_behavior: rerun
`
	rbv1, err := st.InsertRunbook(ctx, "version-test", 1, v1YAML, "runbook_version_test_v1", store.OverdueRerun, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ActivateRunbook(ctx, "version-test", 1); err != nil {
		t.Fatal(err)
	}

	start := time.Now().UTC().Add(-10 * 24 * time.Hour)
	batch, _, err := st.GetOrCreateBatchForGroup(ctx, rbv1.ID, &start)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := st.CASBatchStatus(ctx, batch.ID, store.BatchStatusDetected, store.BatchStatusActive); err != nil || !ok {
		t.Fatalf("activate batch: ok=%v err=%v", ok, err)
	}

	rbv2, err := st.InsertRunbook(ctx, "version-test", 2, v2YAML, "runbook_version_test_v2", store.OverdueRerun, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ActivateRunbook(ctx, "version-test", 2); err != nil {
		t.Fatal(err)
	}
	rbv2, err = st.GetRunbookByID(ctx, rbv2.ID)
	if err != nil {
		t.Fatal(err)
	}
	def, err := runbookdef.Parse([]byte(v2YAML))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := svc.evaluateVersionTransitions(ctx, rbv2, *def, now); err != nil {
		t.Fatal(err)
	}

	phases, err := st.ListPhaseExecutionsForBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	var newPhase store.PhaseExecution
	for _, p := range phases {
		if p.RunbookVersion == 2 {
			newPhase = p
		}
	}
	if newPhase.ID == 0 {
		t.Fatal("expected a new v2 phase execution to be created")
	}
	if newPhase.Status != store.PhaseStatusPending {
		t.Fatalf("expected overdue_behavior=rerun to leave the overdue phase pending, got %s", newPhase.Status)
	}

	if err := svc.evaluateDuePhases(ctx, now); err != nil {
		t.Fatal(err)
	}
	refreshed, err := st.GetPhaseExecutionByID(ctx, newPhase.ID)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.Status != store.PhaseStatusDispatched {
		t.Fatalf("expected the pending overdue phase to dispatch on the next due-phase evaluation, got %s", refreshed.Status)
	}
}
