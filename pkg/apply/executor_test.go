package apply

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/graph"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/resource"
)

// mockApplier is a mock implementation of Applier for testing
type mockApplier struct {
	mu        sync.Mutex
	applied   []string
	calls     map[string]int
	failUntil map[string]int
	failWith  map[string]error
	onApply   func(action inventory.Action)
}

func newMockApplier() *mockApplier {
	return &mockApplier{
		calls:     make(map[string]int),
		failUntil: make(map[string]int),
		failWith:  make(map[string]error),
	}
}

func (m *mockApplier) Apply(ctx context.Context, action inventory.Action) error {
	if m.onApply != nil {
		m.onApply(action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := action.Identity().Name
	m.calls[name]++

	if err, ok := m.failWith[name]; ok && m.calls[name] <= m.failUntil[name] {
		return err
	}

	m.applied = append(m.applied, name)
	return nil
}

func (m *mockApplier) getApplied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.applied))
	copy(out, m.applied)
	return out
}

func (m *mockApplier) getCalls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockApplier) setFail(name string, times int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUntil[name] = times
	m.failWith[name] = err
}

// planActions builds an inventory with a Namespace -> ConfigMap wave order and
// returns its actions: namespaces and configmaps to create, plus deletes
func planActions(t *testing.T, namespaces, configMaps, stale []string) []inventory.Action {
	t.Helper()

	order, err := graph.BuildKindOrder(map[string][]string{"ConfigMap": {"Namespace"}})
	if err != nil {
		t.Fatalf("BuildKindOrder() error = %v", err)
	}
	norm, _ := resource.NewNormalizer([]string{})
	inv, err := inventory.New(inventory.Config{
		Integration:  "demo",
		Normalizer:   norm,
		ManagedKinds: map[string][]string{"c1": {"ConfigMap"}},
		KindOrder:    order,
	})
	if err != nil {
		t.Fatalf("inventory.New() error = %v", err)
	}

	for _, name := range namespaces {
		_ = inv.AddDesired(resource.New(resource.Identity{Scope: "c1", Kind: "Namespace", Name: name}, nil))
	}
	for _, name := range configMaps {
		_ = inv.AddDesired(resource.New(resource.Identity{Scope: "c1", Kind: "ConfigMap", Name: name}, nil))
	}
	for _, name := range stale {
		_ = inv.AddCurrent(resource.New(resource.Identity{Scope: "c1", Kind: "ConfigMap", Name: name}, nil))
	}
	return inv.ComputeActions()
}

func testConfig() ExecutorConfig {
	return ExecutorConfig{
		Integration:      "demo",
		MaxConcurrency:   4,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  5 * time.Millisecond,
	}
}

func TestExecutor_DryRun(t *testing.T) {
	applier := newMockApplier()
	executor := NewExecutor(applier, testConfig())
	actions := planActions(t, []string{"ns"}, []string{"a", "b"}, []string{"old"})

	report := executor.Execute(context.Background(), actions, true)

	if len(applier.getApplied()) != 0 {
		t.Errorf("Dry run must not apply anything, applied %v", applier.getApplied())
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("Expected 4 outcomes, got %d", len(report.Outcomes))
	}
	for _, o := range report.Outcomes {
		if o.State != graph.ActionStatePending {
			t.Errorf("Expected dry-run outcome to stay pending, got %s", o.State)
		}
	}

	var buf bytes.Buffer
	if err := report.Render(&buf); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "[dry-run] create c1//Namespace/ns\n" +
		"[dry-run] create c1//ConfigMap/a\n" +
		"[dry-run] create c1//ConfigMap/b\n" +
		"[dry-run] delete c1//ConfigMap/old\n"
	if buf.String() != want {
		t.Errorf("Unexpected dry-run output:\n%s", buf.String())
	}
}

func TestExecutor_DryRunParity(t *testing.T) {
	actions := planActions(t, []string{"ns"}, []string{"a", "b"}, []string{"old"})

	dry := NewExecutor(newMockApplier(), testConfig()).Execute(context.Background(), actions, true)
	live := NewExecutor(newMockApplier(), testConfig()).Execute(context.Background(), actions, false)

	strip := func(r *Report) []string {
		var lines []string
		for _, o := range r.Outcomes {
			line := o.Line(r.DryRun)
			lines = append(lines, line[strings.Index(line, "] ")+2:])
		}
		return lines
	}

	dryLines, liveLines := strip(dry), strip(live)
	if strings.Join(dryLines, "\n") != strings.Join(liveLines, "\n") {
		t.Errorf("Dry-run and apply describe different plans:\n%v\n%v", dryLines, liveLines)
	}
}

func TestExecutor_AppliesWavesInOrder(t *testing.T) {
	applier := newMockApplier()
	executor := NewExecutor(applier, testConfig())
	actions := planActions(t, []string{"ns1", "ns2"}, []string{"a", "b", "c"}, []string{"old"})

	report := executor.Execute(context.Background(), actions, false)
	if report.HasErrors() {
		t.Fatalf("Unexpected errors: %v", report.Errors())
	}

	applied := applier.getApplied()
	if len(applied) != 6 {
		t.Fatalf("Expected 6 applied actions, got %v", applied)
	}

	position := make(map[string]int)
	for i, name := range applied {
		position[name] = i
	}
	for _, ns := range []string{"ns1", "ns2"} {
		for _, cm := range []string{"a", "b", "c"} {
			if position[ns] > position[cm] {
				t.Errorf("Namespace %s applied after ConfigMap %s", ns, cm)
			}
		}
	}
	if position["old"] != 5 {
		t.Errorf("Expected delete to run last, applied order %v", applied)
	}

	if report.Summary.Applied != 6 || report.Summary.Total != 6 {
		t.Errorf("Unexpected summary %+v", report.Summary)
	}
}

func TestExecutor_FailureDoesNotAbortSiblings(t *testing.T) {
	applier := newMockApplier()
	applier.setFail("b", 100, errors.New("boom"))
	executor := NewExecutor(applier, testConfig())
	actions := planActions(t, nil, []string{"a", "b", "c"}, nil)

	report := executor.Execute(context.Background(), actions, false)

	errs := report.Errors()
	if len(errs) != 1 {
		t.Fatalf("Expected one error, got %v", errs)
	}
	if !errdefs.IsAction(errs[0]) {
		t.Errorf("Expected an action error, got %T", errs[0])
	}
	if !strings.Contains(errs[0].Error(), "boom") {
		t.Errorf("Expected error to carry the cause, got %v", errs[0])
	}

	if got := len(applier.getApplied()); got != 2 {
		t.Errorf("Expected siblings to be applied, got %d", got)
	}
	if applier.getCalls("b") != 3 {
		t.Errorf("Expected 1 attempt plus 2 retries, got %d", applier.getCalls("b"))
	}
	if report.Summary.Failed != 1 || report.Summary.Retries != 2 {
		t.Errorf("Unexpected summary %+v", report.Summary)
	}

	var buf bytes.Buffer
	_ = report.Render(&buf)
	if !strings.Contains(buf.String(), "[failed] create c1//ConfigMap/b: ") {
		t.Errorf("Expected failed line in output:\n%s", buf.String())
	}
}

func TestExecutor_IdentitiesWithSlashesDoNotCollide(t *testing.T) {
	norm, _ := resource.NewNormalizer([]string{})
	inv, err := inventory.New(inventory.Config{Integration: "demo", Normalizer: norm})
	if err != nil {
		t.Fatalf("inventory.New() error = %v", err)
	}
	// both render as c1/x//K/n
	_ = inv.AddDesired(resource.New(resource.Identity{Scope: "c1/x", Kind: "K", Name: "n"}, nil))
	_ = inv.AddDesired(resource.New(resource.Identity{Scope: "c1", Namespace: "x/", Kind: "K", Name: "n"}, nil))
	actions := inv.ComputeActions()
	if len(actions) != 2 {
		t.Fatalf("Expected 2 actions, got %d", len(actions))
	}

	executor := NewExecutor(newMockApplier(), testConfig())
	report := executor.Execute(context.Background(), actions, false)

	if errs := report.Errors(); len(errs) != 0 {
		t.Fatalf("Expected no errors, got %v", errs)
	}
	for _, o := range report.Outcomes {
		if o.State != graph.ActionStateApplied {
			t.Errorf("Expected %s to be applied, got %s", o.Action.Identity(), o.State)
		}
	}
	if report.Summary.Applied != 2 {
		t.Errorf("Expected 2 applied, got %+v", report.Summary)
	}
}

func TestExecutor_RetrySucceeds(t *testing.T) {
	applier := newMockApplier()
	applier.setFail("a", 1, errors.New("transient"))
	executor := NewExecutor(applier, testConfig())

	report := executor.Execute(context.Background(), planActions(t, nil, []string{"a"}, nil), false)

	if report.HasErrors() {
		t.Fatalf("Expected retry to succeed, got %v", report.Errors())
	}
	if report.Outcomes[0].Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", report.Outcomes[0].Retries)
	}
}

func TestExecutor_PermanentErrorIsNotRetried(t *testing.T) {
	applier := newMockApplier()
	applier.setFail("a", 100, Permanent(errors.New("invalid body")))
	executor := NewExecutor(applier, testConfig())

	report := executor.Execute(context.Background(), planActions(t, nil, []string{"a"}, nil), false)

	if !report.HasErrors() {
		t.Fatal("Expected an error")
	}
	if applier.getCalls("a") != 1 {
		t.Errorf("Expected a single attempt, got %d", applier.getCalls("a"))
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	applier := newMockApplier()
	executor := NewExecutor(applier, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := executor.Execute(ctx, planActions(t, nil, []string{"a", "b"}, nil), false)

	if len(applier.getApplied()) != 0 {
		t.Errorf("Expected nothing applied, got %v", applier.getApplied())
	}
	for _, o := range report.Outcomes {
		if o.State != graph.ActionStateSkipped {
			t.Errorf("Expected skipped, got %s", o.State)
		}
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("Expected skipped error to wrap context.Canceled, got %v", o.Err)
		}
	}
}

func TestExecutor_CancelDuringRunDrainsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applier := newMockApplier()
	applier.onApply = func(action inventory.Action) {
		if action.Identity().Kind == "Namespace" {
			cancel()
			// in-flight applies keep a live context
			time.Sleep(5 * time.Millisecond)
		}
	}
	executor := NewExecutor(applier, testConfig())

	report := executor.Execute(ctx, planActions(t, []string{"ns"}, []string{"a", "b"}, nil), false)

	if report.Outcomes[0].State != graph.ActionStateApplied {
		t.Errorf("Expected in-flight namespace to finish, got %s", report.Outcomes[0].State)
	}
	for _, o := range report.Outcomes[1:] {
		if o.State != graph.ActionStateSkipped {
			t.Errorf("Expected later wave to be skipped, got %s for %s", o.State, o.Action)
		}
	}
	if report.Summary.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %+v", report.Summary)
	}
}

func TestIdentityLocks_SerializeSameKey(t *testing.T) {
	locks := newIdentityLocks()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("c1//ConfigMap/a")
			defer unlock()

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("Expected same-identity work to be serialized, saw %d concurrent", maxActive)
	}
	if locks.size() != 0 {
		t.Errorf("Expected lock entries to be released, got %d", locks.size())
	}
}

func TestCalculateBackoff(t *testing.T) {
	executor := NewExecutor(newMockApplier(), ExecutorConfig{
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  5 * time.Second,
	})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := executor.calculateBackoff(tt.retry); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
