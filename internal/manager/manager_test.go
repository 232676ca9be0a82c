package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"colloquy/internal/activity"
	"colloquy/internal/config"
	"colloquy/internal/plans"
	"colloquy/internal/provider"
	"colloquy/internal/search"
	"colloquy/internal/session"
)

type stubCollab struct {
	role  provider.Role
	delay time.Duration
	fn    func(prompt string) (string, error)
}

func (s *stubCollab) Generate(ctx context.Context, prompt string, _ int, _ float64) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.fn(prompt)
}

func (s *stubCollab) Role() provider.Role { return s.role }
func (s *stubCollab) ContextBudget() int  { return 128000 }

func scriptedAnalyst(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "JSON array of 5-10 search query strings"),
		strings.Contains(prompt, "JSON array of 5-10 web search query strings"):
		return `["service discovery patterns"]`, nil
	case strings.Contains(prompt, `"title" and "purpose"`):
		return `[{"title":"Development Plan","purpose":"build order"}]`, nil
	case strings.Contains(prompt, "Compile everything established"):
		return "Master summary. Implementation feasibility: high.", nil
	default:
		return "Detailed analyst output for the current exchange.", nil
	}
}

func scriptedCritic(prompt string) (string, error) {
	if strings.Contains(prompt, "Review round") {
		return "APPROVED", nil
	}
	return "Critique of the latest output.", nil
}

type stubSearcher struct{}

func (stubSearcher) Dispatch(_ context.Context, queries []string) []search.QueryOutcome {
	out := make([]search.QueryOutcome, len(queries))
	for i, q := range queries {
		out[i] = search.QueryOutcome{
			Query: q,
			Sources: []session.SourceDocument{{
				URL:     "https://example.com/" + strings.ReplaceAll(q, " ", "-"),
				Title:   q + " guide",
				Snippet: "notes on " + q,
				Queries: []string{q},
			}},
		}
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default(t.TempDir())
	cfg.Workflow.MaturityThreshold = 0.3
	return cfg
}

func newTestManager(t *testing.T, analyst, critic *stubCollab) (*Manager, *plans.Store) {
	cfg := testConfig(t)
	sink := plans.NewStore(cfg.PlansDir())
	m := New(cfg, analyst, critic, stubSearcher{}, sink, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSessionRunsToCompletionAndSavesPlans(t *testing.T) {
	m, sink := newTestManager(t,
		&stubCollab{role: provider.RoleAnalyst, fn: scriptedAnalyst},
		&stubCollab{role: provider.RoleCritic, fn: scriptedCritic})

	id, err := m.Start("build a service registry")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Plans are saved after the terminal stage is entered; wait for both.
	waitFor(t, func() bool {
		view, err := m.Status(id)
		return err == nil && view.Completed && len(view.SavedPlans) > 0
	})

	view, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Stage != session.StageCompleted {
		t.Errorf("stage = %s", view.Stage)
	}
	if len(view.SavedPlans) != 1 {
		t.Fatalf("saved plans = %v, want 1", view.SavedPlans)
	}
	entries, err := sink.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("sink entries = %v, err %v", entries, err)
	}
	if entries[0].Metadata.SessionID != id {
		t.Errorf("plan session = %s, want %s", entries[0].Metadata.SessionID, id)
	}
	if view.ActivityCursor == 0 {
		t.Error("activity cursor never advanced")
	}
}

func TestAbandonStopsBetweenUnits(t *testing.T) {
	m, sink := newTestManager(t,
		&stubCollab{role: provider.RoleAnalyst, delay: 20 * time.Millisecond, fn: scriptedAnalyst},
		&stubCollab{role: provider.RoleCritic, delay: 20 * time.Millisecond, fn: scriptedCritic})

	id, err := m.Start("build a billing pipeline")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		view, _ := m.Status(id)
		return view.Round >= 2
	})
	if err := m.Abandon(id); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	waitFor(t, func() bool {
		view, _ := m.Status(id)
		return view.Abandoned
	})

	view, _ := m.Status(id)
	if view.Completed {
		t.Error("abandoned session reports completed")
	}
	if entries, _ := sink.List(); len(entries) != 0 {
		t.Errorf("abandoned session saved plans: %v", entries)
	}
	// State stays readable after teardown.
	events, err := m.Activity(id, 0)
	if err != nil || len(events) == 0 {
		t.Errorf("activity after abandon: %d events, err %v", len(events), err)
	}
}

func TestFailedSessionSurfacesError(t *testing.T) {
	broken := &stubCollab{role: provider.RoleAnalyst, fn: func(string) (string, error) {
		return "", &provider.Error{Provider: "deepseek", Op: "chat", Err: errors.New("boom")}
	}}
	m, _ := newTestManager(t, broken, &stubCollab{role: provider.RoleCritic, fn: scriptedCritic})

	id, err := m.Start("doomed request")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		view, _ := m.Status(id)
		return view.Failed
	})
	view, _ := m.Status(id)
	if view.Stage != session.StageFailed {
		t.Errorf("stage = %s", view.Stage)
	}
	if view.Error == "" {
		t.Error("failed session has empty error")
	}
	hasErrEvent := false
	events, _ := m.Activity(id, 0)
	for _, ev := range events {
		if ev.Kind == activity.KindError {
			hasErrEvent = true
		}
	}
	if !hasErrEvent {
		t.Error("no error event on feed")
	}
}

func TestStatusUnknownSession(t *testing.T) {
	m, _ := newTestManager(t,
		&stubCollab{role: provider.RoleAnalyst, fn: scriptedAnalyst},
		&stubCollab{role: provider.RoleCritic, fn: scriptedCritic})
	if _, err := m.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("status = %v, want ErrNotFound", err)
	}
	if _, err := m.Activity("nope", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("activity = %v, want ErrNotFound", err)
	}
	if err := m.Abandon("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("abandon = %v, want ErrNotFound", err)
	}
}

func TestStartRejectsEmptyPrompt(t *testing.T) {
	m, _ := newTestManager(t,
		&stubCollab{role: provider.RoleAnalyst, fn: scriptedAnalyst},
		&stubCollab{role: provider.RoleCritic, fn: scriptedCritic})
	if _, err := m.Start("   "); err == nil {
		t.Fatal("expected error for blank prompt")
	}
}

func TestListAndPurge(t *testing.T) {
	m, _ := newTestManager(t,
		&stubCollab{role: provider.RoleAnalyst, fn: scriptedAnalyst},
		&stubCollab{role: provider.RoleCritic, fn: scriptedCritic})

	first, err := m.Start("first request")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := m.Start("second request")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		a, _ := m.Status(first)
		b, _ := m.Status(second)
		return a.Completed && b.Completed
	})

	if got := len(m.List()); got != 2 {
		t.Errorf("list = %d, want 2", got)
	}
	// Zero max age purges everything already finished.
	if removed := m.Purge(0); removed != 2 {
		t.Errorf("purged = %d, want 2", removed)
	}
	if _, err := m.Status(first); !errors.Is(err, ErrNotFound) {
		t.Errorf("status after purge = %v, want ErrNotFound", err)
	}
	if _, err := m.Activity(first, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("activity after purge = %v, want ErrNotFound", err)
	}
}
