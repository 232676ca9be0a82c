package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"colloquy/internal/activity"
	"colloquy/internal/config"
	"colloquy/internal/provider"
	"colloquy/internal/quality"
	"colloquy/internal/search"
	"colloquy/internal/session"
)

type stubCollab struct {
	role   provider.Role
	budget int
	fn     func(prompt string) (string, error)
	calls  int
}

func (s *stubCollab) Generate(_ context.Context, prompt string, _ int, _ float64) (string, error) {
	s.calls++
	return s.fn(prompt)
}

func (s *stubCollab) Role() provider.Role { return s.role }

func (s *stubCollab) ContextBudget() int {
	if s.budget > 0 {
		return s.budget
	}
	return 128000
}

// scriptedAnalyst answers each stage prompt with plausible content keyed off
// prompt markers.
func scriptedAnalyst(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "JSON array of 5-10 search query strings"),
		strings.Contains(prompt, "JSON array of 5-10 web search query strings"):
		return `["task queue design patterns", "rate limiting strategies"]`, nil
	case strings.Contains(prompt, `"title" and "purpose"`):
		return `[{"title":"Development Plan","purpose":"overall build order"},{"title":"API Design","purpose":"endpoint contracts"}]`, nil
	case strings.Contains(prompt, "Analyze the research gathered"):
		return "Findings overview.\n" +
			"- Task queue design patterns favor idempotent consumers for reliable delivery\n" +
			"- Rate limiting strategies based on token buckets absorb bursty traffic well\n", nil
	case strings.Contains(prompt, "Compile everything established"):
		return "Master summary of the project direction. Implementation feasibility: high, given the mature library ecosystem.", nil
	default:
		return "Substantive analyst output addressing the current stage in detail.", nil
	}
}

// scriptedCritic approves documents on the second review round and
// otherwise critiques without approval markers.
func scriptedCritic(prompt string) (string, error) {
	if strings.Contains(prompt, "Review round") && !strings.Contains(prompt, "Review round 1") {
		return "APPROVED", nil
	}
	if strings.Contains(prompt, "Review round 1") {
		return "Needs more detail on error handling and rollout.", nil
	}
	return "Critique: the treatment of failure modes is thin.", nil
}

type stubSearcher struct {
	fail    map[string]bool
	batches [][]string
}

func (s *stubSearcher) Dispatch(_ context.Context, queries []string) []search.QueryOutcome {
	batch := make([]string, len(queries))
	copy(batch, queries)
	s.batches = append(s.batches, batch)
	outcomes := make([]search.QueryOutcome, len(queries))
	for i, q := range queries {
		outcomes[i] = search.QueryOutcome{Query: q}
		if s.fail[q] {
			outcomes[i].Err = errors.New("search timeout")
			continue
		}
		outcomes[i].Sources = []session.SourceDocument{{
			URL:       "https://example.com/" + strings.ReplaceAll(q, " ", "-"),
			Title:     q + " guide",
			Snippet:   "practical notes on " + q,
			Relevance: 0.8,
			Queries:   []string{q},
		}}
	}
	return outcomes
}

func testSettings() config.WorkflowSettings {
	return config.WorkflowSettings{
		MaturityThreshold:    0.3,
		MaxRefinementRounds:  6,
		ExtraSearchBudget:    8,
		MaxConversationRound: 50,
	}
}

func newTestEngine(analystFn, criticFn func(string) (string, error), searcher Searcher, settings config.WorkflowSettings) (*Engine, *session.Session, *activity.Log) {
	sess := session.New("build a task tracker service")
	feed := activity.NewLog()
	analyst := &stubCollab{role: provider.RoleAnalyst, fn: analystFn}
	critic := &stubCollab{role: provider.RoleCritic, budget: 24000, fn: criticFn}
	eng := New(sess, feed, analyst, critic, searcher, settings, nil)
	return eng, sess, feed
}

func drive(t *testing.T, eng *Engine, sess *session.Session) {
	t.Helper()
	for i := 0; i < 60 && !sess.Done(); i++ {
		if err := eng.Advance(context.Background()); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if !sess.Done() {
		t.Fatalf("session never reached a terminal state, stuck at %s", sess.Stage())
	}
}

func TestFullPipelineCompletes(t *testing.T) {
	searcher := &stubSearcher{}
	eng, sess, feed := newTestEngine(scriptedAnalyst, scriptedCritic, searcher, testSettings())

	drive(t, eng, sess)

	if got := sess.Stage(); got != session.StageCompleted {
		t.Fatalf("stage = %s, want %s", got, session.StageCompleted)
	}
	docs := sess.Documents()
	if len(docs) != 2 {
		t.Fatalf("documents = %d, want 2", len(docs))
	}
	for _, doc := range docs {
		if !doc.Drafted() {
			t.Errorf("document %q has no body", doc.Title)
		}
		if !doc.Approved {
			t.Errorf("document %q not approved", doc.Title)
		}
	}
	for _, gate := range quality.AllGates {
		if !sess.GatePassed(gate) {
			t.Errorf("gate %s not passed", gate)
		}
	}
	if sess.Maturity() <= 0 {
		t.Errorf("maturity = %v, want > 0", sess.Maturity())
	}
	if len(searcher.batches) == 0 {
		t.Fatal("no search batches dispatched")
	}
	if feed.Cursor() == 0 {
		t.Fatal("activity feed empty")
	}
	if pending := sess.PendingQueries(); len(pending) != 0 {
		t.Errorf("unresolved queries remain: %v", pending)
	}
}

func TestDocumentUnapprovedAfterRoundCap(t *testing.T) {
	neverApprove := func(prompt string) (string, error) {
		return "Still not good enough. Revise the structure.", nil
	}
	eng, sess, _ := newTestEngine(scriptedAnalyst, neverApprove, &stubSearcher{}, testSettings())

	drive(t, eng, sess)

	if got := sess.Stage(); got != session.StageCompleted {
		t.Fatalf("stage = %s, want %s", got, session.StageCompleted)
	}
	for _, doc := range sess.Documents() {
		if doc.Approved {
			t.Errorf("document %q approved despite critic never approving", doc.Title)
		}
		if doc.RefinementRound != 6 {
			t.Errorf("document %q refinement round = %d, want 6", doc.Title, doc.RefinementRound)
		}
	}
}

func TestSearchFailuresDoNotBlockStage(t *testing.T) {
	analyst := func(prompt string) (string, error) {
		if strings.Contains(prompt, "JSON array of 5-10 search query strings") {
			return `["q1", "q2", "q3", "q4", "q5"]`, nil
		}
		return scriptedAnalyst(prompt)
	}
	searcher := &stubSearcher{fail: map[string]bool{"q2": true, "q4": true}}
	eng, sess, feed := newTestEngine(analyst, scriptedCritic, searcher, testSettings())

	drive(t, eng, sess)

	if got := sess.Stage(); got != session.StageCompleted {
		t.Fatalf("stage = %s, want %s", got, session.StageCompleted)
	}
	// All five queries resolved, sources only from the three successes.
	if pending := sess.PendingQueries(); len(pending) != 0 {
		t.Errorf("unresolved queries: %v", pending)
	}
	if got := len(sess.Sources()); got != 3 {
		t.Errorf("sources = %d, want 3", got)
	}
	errEvents := 0
	for _, ev := range feed.Since(0) {
		if ev.Kind == activity.KindError {
			errEvents++
		}
	}
	if errEvents != 2 {
		t.Errorf("error events = %d, want 2", errEvents)
	}
}

func TestMalformedQueryListFallsBack(t *testing.T) {
	analyst := func(prompt string) (string, error) {
		if strings.Contains(prompt, "JSON array of 5-10 search query strings") ||
			strings.Contains(prompt, "JSON array of 5-10 web search query strings") {
			return "I think we should research several interesting things.", nil
		}
		return scriptedAnalyst(prompt)
	}
	eng, sess, _ := newTestEngine(analyst, scriptedCritic, &stubSearcher{}, testSettings())

	for i := 0; i < 5; i++ {
		if err := eng.Advance(context.Background()); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	queries := sess.Queries()
	if len(queries) != 3 {
		t.Fatalf("queries = %d, want 3 fallback queries", len(queries))
	}
	if !strings.Contains(queries[0].Text, "best practices") {
		t.Errorf("fallback query = %q, want a best-practices default", queries[0].Text)
	}
	// Fallback means no consensus; the gate must stay closed for now.
	if sess.GatePassed(quality.GateLLMConsensus) {
		t.Error("llm_consensus passed despite query extraction fallback")
	}
}

func TestDynamicSearchTrigger(t *testing.T) {
	critic := func(prompt string) (string, error) {
		if strings.Contains(prompt, "deep-dive analysis") {
			return "Evidence is weak here.\nSEARCH_NEEDED: queue durability benchmarks", nil
		}
		return scriptedCritic(prompt)
	}
	searcher := &stubSearcher{}
	eng, sess, _ := newTestEngine(scriptedAnalyst, critic, searcher, testSettings())

	drive(t, eng, sess)

	found := false
	for _, q := range sess.Queries() {
		if q.Text == "queue durability benchmarks" {
			found = true
			if !q.Resolved {
				t.Error("dynamic query never resolved")
			}
		}
	}
	if !found {
		t.Fatal("dynamic search query not recorded")
	}
	if len(searcher.batches) < 2 {
		t.Errorf("batches = %d, want initial batch plus targeted dispatches", len(searcher.batches))
	}
}

func TestDynamicSearchBudgetExhaustion(t *testing.T) {
	critic := func(prompt string) (string, error) {
		if strings.Contains(prompt, "deep-dive analysis") {
			return "More data needed.\n" +
				"SEARCH_NEEDED: topic alpha\n" +
				"SEARCH_NEEDED: topic beta\n" +
				"SEARCH_NEEDED: topic gamma", nil
		}
		return scriptedCritic(prompt)
	}
	settings := testSettings()
	settings.ExtraSearchBudget = 2
	searcher := &stubSearcher{}
	eng, sess, _ := newTestEngine(scriptedAnalyst, critic, searcher, settings)

	drive(t, eng, sess)

	dynamic := 0
	for _, batch := range searcher.batches[1:] {
		dynamic += len(batch)
	}
	if dynamic != 2 {
		t.Errorf("dynamic queries dispatched = %d, want budget of 2", dynamic)
	}
	if sess.Stage() != session.StageCompleted {
		t.Errorf("stage = %s, want %s", sess.Stage(), session.StageCompleted)
	}
}

func TestProviderFailureSurfaces(t *testing.T) {
	broken := func(string) (string, error) {
		return "", &provider.Error{Provider: "deepseek", Op: "chat", Err: errors.New("connection refused")}
	}
	eng, _, _ := newTestEngine(broken, scriptedCritic, &stubSearcher{}, testSettings())

	err := eng.Advance(context.Background())
	if err == nil {
		t.Fatal("expected error from failing analyst")
	}
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Errorf("error chain lost provider detail: %v", err)
	}
}

func TestConversationRoundLimit(t *testing.T) {
	settings := testSettings()
	settings.MaxConversationRound = 3
	eng, sess, _ := newTestEngine(scriptedAnalyst, scriptedCritic, &stubSearcher{}, settings)

	var err error
	for i := 0; i < 10 && err == nil && !sess.Done(); i++ {
		err = eng.Advance(context.Background())
	}
	if err == nil {
		t.Fatal("expected round-limit error")
	}
	if !strings.Contains(err.Error(), "conversation rounds") {
		t.Errorf("err = %v, want round-limit message", err)
	}
}

func TestAdvanceIsNoOpAfterAbandon(t *testing.T) {
	eng, sess, _ := newTestEngine(scriptedAnalyst, scriptedCritic, &stubSearcher{}, testSettings())
	for i := 0; i < 8; i++ {
		if err := eng.Advance(context.Background()); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	sess.Abandon()
	before := len(sess.Messages())
	if err := eng.Advance(context.Background()); err != nil {
		t.Fatalf("advance after abandon: %v", err)
	}
	if got := len(sess.Messages()); got != before {
		t.Errorf("messages grew from %d to %d after abandon", before, got)
	}
}

func TestStageAnnouncementsOnFeed(t *testing.T) {
	eng, sess, feed := newTestEngine(scriptedAnalyst, scriptedCritic, &stubSearcher{}, testSettings())
	drive(t, eng, sess)

	var announced []session.Stage
	for _, ev := range feed.Since(0) {
		if ev.Kind == activity.KindStatus && strings.HasPrefix(ev.Text, "Stage ") {
			announced = append(announced, ev.Stage)
		}
	}
	// Every stage after the first should have been announced exactly once.
	want := session.Order[1:]
	if len(announced) != len(want) {
		t.Fatalf("announcements = %d (%v), want %d", len(announced), announced, len(want))
	}
	for i, stage := range want {
		if announced[i] != stage {
			t.Errorf("announcement %d = %s, want %s", i, announced[i], stage)
		}
	}
}

func TestExtractQueryList(t *testing.T) {
	queries, err := extractQueryList("Here is the plan:\n[\"a query\", \"b query\"]\nDone.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(queries) != 2 || queries[0] != "a query" {
		t.Errorf("queries = %v", queries)
	}

	if _, err := extractQueryList("no json here"); !errors.Is(err, provider.ErrMalformedOutput) {
		t.Errorf("want ErrMalformedOutput, got %v", err)
	}
	if _, err := extractQueryList("[1, 2, 3]"); !errors.Is(err, provider.ErrMalformedOutput) {
		t.Errorf("want ErrMalformedOutput for non-string array, got %v", err)
	}
	if _, err := extractQueryList(`["", "  "]`); !errors.Is(err, provider.ErrMalformedOutput) {
		t.Errorf("want ErrMalformedOutput for blank entries, got %v", err)
	}
}

func TestExtractSearchRequests(t *testing.T) {
	content := "Some critique.\n" +
		"SEARCH_NEEDED: first topic\n" +
		"middle text SEARCH_NEEDED: [second topic]\n" +
		"SEARCH_NEEDED:\n" +
		"SEARCH_NEEDED: third\n" +
		"SEARCH_NEEDED: fourth over the cap\n"
	got := extractSearchRequests(content)
	want := []string{"first topic", "second topic", "third"}
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, got[i], want[i])
		}
	}
	if reqs := extractSearchRequests("nothing structured here"); len(reqs) != 0 {
		t.Errorf("expected no requests, got %v", reqs)
	}
}

func TestExtractInsightsLinksSources(t *testing.T) {
	sources := []session.SourceDocument{
		{URL: "https://a.example", Title: "task queue design patterns guide"},
		{URL: "https://b.example", Title: "gardening tips"},
	}
	analysis := "Overview paragraph.\n" +
		"- Task queue design patterns reward idempotent consumers\n" +
		"- tiny\n" +
		"2. Numbered claims about unrelated matters also count here\n"
	insights := extractInsights(analysis, sources)
	if len(insights) != 2 {
		t.Fatalf("insights = %d, want 2", len(insights))
	}
	if len(insights[0].SourceURLs) != 1 || insights[0].SourceURLs[0] != "https://a.example" {
		t.Errorf("insight 0 sources = %v, want the queue guide", insights[0].SourceURLs)
	}
	if len(insights[1].SourceURLs) != 0 {
		t.Errorf("insight 1 sources = %v, want none", insights[1].SourceURLs)
	}
}

func TestExtractDocumentPlan(t *testing.T) {
	docs, err := extractDocumentPlan(`Plan: [{"title":"A","purpose":"p1"},{"title":"","purpose":"skipped"},{"title":"B","purpose":"p2"}]`)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 2 || docs[0].Title != "A" || docs[1].Purpose != "p2" {
		t.Errorf("docs = %+v", docs)
	}
	if _, err := extractDocumentPlan("prose only"); !errors.Is(err, provider.ErrMalformedOutput) {
		t.Errorf("want ErrMalformedOutput, got %v", err)
	}
}

func TestResearchSummaryRespectsBudget(t *testing.T) {
	searcher := &stubSearcher{}
	eng, sess, _ := newTestEngine(scriptedAnalyst, scriptedCritic, searcher, testSettings())
	for i := 0; i < 40; i++ {
		sess.AddInsights([]session.Insight{{Content: fmt.Sprintf("insight number %d with enough length to matter", i)}})
		sess.AppendMessage(provider.RoleAnalyst, strings.Repeat("filler ", 200))
	}
	small := &stubCollab{role: provider.RoleCritic, budget: 400, fn: scriptedCritic}
	summary := eng.researchSummary(small)
	limit := 400*charsPerToken/2 + len("\n[truncated]")
	if len(summary) > limit {
		t.Errorf("summary length = %d, want <= %d", len(summary), limit)
	}
}
