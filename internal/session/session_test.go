package session

import (
	"testing"
	"time"

	"colloquy/internal/provider"
)

func testClock() func() time.Time {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
}

func TestStageOrderNeverSkipsOrReverses(t *testing.T) {
	s := New("build a task tracker API", WithClock(testClock()))
	if s.Stage() != StageInitialBreakdown {
		t.Fatalf("initial stage = %s", s.Stage())
	}

	// Walking the defined order always lands on index+1.
	for i := 0; i < len(Order)-1; i++ {
		if Order[i].Next() != Order[i+1] {
			t.Fatalf("%s.Next() = %s, want %s", Order[i], Order[i].Next(), Order[i+1])
		}
	}

	s.EnterStage(StageDiscussBreakdown)
	// Backward transitions are ignored.
	s.EnterStage(StageInitialBreakdown)
	if s.Stage() != StageDiscussBreakdown {
		t.Fatalf("stage moved backward to %s", s.Stage())
	}

	// Failed is absorbing.
	s.Fail("provider exploded")
	s.EnterStage(StageCompleted)
	if s.Stage() != StageFailed {
		t.Fatalf("failed state was left: %s", s.Stage())
	}
}

func TestSourceDedupByURL(t *testing.T) {
	s := New("p", WithClock(testClock()))
	added := s.AddSources([]SourceDocument{
		{URL: "https://a.example", Title: "A", Queries: []string{"q1"}},
		{URL: "https://b.example", Title: "B", Queries: []string{"q1"}},
	})
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	// Same URL from a second query: no new row, but the association sticks.
	added = s.AddSources([]SourceDocument{
		{URL: "https://a.example", Title: "A again", Queries: []string{"q2"}},
	})
	if added != 0 {
		t.Fatalf("duplicate added = %d, want 0", added)
	}
	sources := s.Sources()
	if len(sources) != 2 {
		t.Fatalf("source count = %d, want 2", len(sources))
	}
	if len(sources[0].Queries) != 2 {
		t.Fatalf("query associations = %v, want q1+q2", sources[0].Queries)
	}
}

func TestMaturityRatchet(t *testing.T) {
	s := New("p", WithClock(testClock()))
	s.RatchetMaturity(0.4)
	s.RatchetMaturity(0.2)
	if got := s.Maturity(); got != 0.4 {
		t.Fatalf("maturity = %v, want ratchet to hold 0.4", got)
	}
	s.RatchetMaturity(0.9)
	if got := s.Maturity(); got != 0.9 {
		t.Fatalf("maturity = %v, want 0.9", got)
	}
}

func TestGatesNeverShrink(t *testing.T) {
	s := New("p", WithClock(testClock()))
	s.PassGate("initial_research")
	s.PassGate("research_validation")
	s.PassGate("initial_research")
	gates := s.Gates()
	if len(gates) != 2 {
		t.Fatalf("gates = %v", gates)
	}
	if gates[0] != "initial_research" || gates[1] != "research_validation" {
		t.Fatalf("gates not sorted: %v", gates)
	}
}

func TestDocumentApprovalOneWay(t *testing.T) {
	s := New("p", WithClock(testClock()))
	s.PlanDocuments([]Document{{Title: "Architecture", Purpose: "system design"}})
	s.ReviseDocument(0, "body v1", 1)
	s.ApproveDocument(0)
	doc, ok := s.Document(0)
	if !ok || !doc.Approved {
		t.Fatalf("document not approved: %+v", doc)
	}
	// Revisions after approval must not clear the flag.
	s.ReviseDocument(0, "body v2", 2)
	doc, _ = s.Document(0)
	if !doc.Approved {
		t.Fatalf("approval was retracted")
	}
	if doc.RefinementRound != 2 {
		t.Fatalf("refinement round = %d, want 2", doc.RefinementRound)
	}
}

func TestSearchBudgetIsGlobalAndBounded(t *testing.T) {
	s := New("p", WithClock(testClock()))
	if got := s.ConsumeSearchBudget(3, 8); got != 3 {
		t.Fatalf("grant = %d, want 3", got)
	}
	if got := s.ConsumeSearchBudget(10, 8); got != 5 {
		t.Fatalf("grant = %d, want remaining 5", got)
	}
	if got := s.ConsumeSearchBudget(1, 8); got != 0 {
		t.Fatalf("grant = %d, want 0 after exhaustion", got)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	s := New("prompt", WithClock(testClock()))
	s.AppendMessage(provider.RoleAnalyst, "analysis")
	snap := s.Snapshot()
	s.AppendMessage(provider.RoleCritic, "critique")
	if snap.MessageCount != 1 {
		t.Fatalf("snapshot mutated after capture: %d messages", snap.MessageCount)
	}
	if len(snap.LatestMessages) != 1 || snap.LatestMessages[0].Content != "analysis" {
		t.Fatalf("unexpected latest messages: %+v", snap.LatestMessages)
	}
}

func TestPendingQueries(t *testing.T) {
	s := New("p", WithClock(testClock()))
	s.AddQueries([]string{"q1", "q2", "q3"})
	s.ResolveQuery("q2")
	pending := s.PendingQueries()
	if len(pending) != 2 {
		t.Fatalf("pending = %v", pending)
	}
}

func TestStoreLifecycle(t *testing.T) {
	st := NewStore()
	s := New("p", WithClock(testClock()))
	if err := st.Put(s); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(s); err == nil {
		t.Fatalf("expected duplicate-id error")
	}
	got, ok := st.Get(s.ID())
	if !ok || got != s {
		t.Fatalf("get returned wrong session")
	}
	st.Delete(s.ID())
	if st.Len() != 0 {
		t.Fatalf("store not empty after delete")
	}
}

func TestStorePurgeKeepsRunningSessions(t *testing.T) {
	st := NewStore()
	running := New("running", WithClock(testClock()))
	finished := New("finished", WithClock(testClock()))
	finished.EnterStage(StageCompleted)
	if err := st.Put(running); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(finished); err != nil {
		t.Fatalf("put: %v", err)
	}
	dropped := st.Purge(0)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if _, ok := st.Get(running.ID()); !ok {
		t.Fatalf("running session was purged")
	}
}
