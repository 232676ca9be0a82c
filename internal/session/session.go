package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"colloquy/internal/provider"
)

// Session is the mutable state for one research request. All access goes
// through methods; the zero value is not usable, call New.
type Session struct {
	mu sync.RWMutex

	id        string
	prompt    string
	createdAt time.Time
	updatedAt time.Time

	stage      Stage
	stageRound int
	round      int

	messages    []Message
	queries     []ResearchQuery
	sources     []SourceDocument
	sourceIndex map[string]int
	insights    []Insight
	documents   []Document

	gates    map[string]bool
	maturity float64

	extraSearches int

	completed bool
	failed    bool
	abandoned bool
	errText   string

	now func() time.Time
}

// Option customizes session construction.
type Option func(*Session)

// WithClock injects a deterministic clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithID overrides the generated session id (tests).
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// New creates a session positioned at the first stage.
func New(prompt string, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		prompt:      prompt,
		stage:       StageInitialBreakdown,
		sourceIndex: make(map[string]int),
		gates:       make(map[string]bool),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.createdAt = s.now()
	s.updatedAt = s.createdAt
	return s
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Prompt returns the originating user prompt.
func (s *Session) Prompt() string { return s.prompt }

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// StageRound returns the round counter within the current stage.
func (s *Session) StageRound() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageRound
}

// Round returns the total number of units executed.
func (s *Session) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// BeginUnit increments the global unit counter and returns its new value.
func (s *Session) BeginUnit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round++
	s.touch()
	return s.round
}

// IncrementStageRound bumps the within-stage round counter and returns the
// value before the bump, matching "round N of M" reporting.
func (s *Session) IncrementStageRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.stageRound
	s.stageRound++
	s.touch()
	return current
}

// EnterStage moves the session forward to stage and resets the stage round.
// Backward moves are ignored; the stage sequence never decreases.
func (s *Session) EnterStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || s.stage == stage {
		return
	}
	if stage != StageFailed && stage.Index() < s.stage.Index() {
		return
	}
	s.stage = stage
	s.stageRound = 0
	if stage == StageCompleted {
		s.completed = true
	}
	s.touch()
}

// AppendMessage records one collaborator utterance and returns it.
func (s *Session) AppendMessage(role provider.Role, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Stage:     s.stage,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, msg)
	s.touch()
	return msg
}

// LatestMessage returns the most recent message from role, or false.
func (s *Session) LatestMessage(role provider.Role) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == role {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// Messages returns a copy of the full transcript.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AddQueries records a batch of planned research queries.
func (s *Session) AddQueries(texts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, text := range texts {
		s.queries = append(s.queries, ResearchQuery{
			Text:  text,
			Stage: s.stage,
			Round: s.stageRound,
		})
	}
	s.touch()
}

// ResolveQuery marks the named query resolved. Unknown texts are ignored.
func (s *Session) ResolveQuery(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queries {
		if s.queries[i].Text == text {
			s.queries[i].Resolved = true
		}
	}
	s.touch()
}

// Queries returns a copy of all planned queries.
func (s *Session) Queries() []ResearchQuery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResearchQuery, len(s.queries))
	copy(out, s.queries)
	return out
}

// PendingQueries returns the texts of queries not yet resolved.
func (s *Session) PendingQueries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, q := range s.queries {
		if !q.Resolved {
			out = append(out, q.Text)
		}
	}
	return out
}

// AddSources merges search results into the session, deduplicating by URL.
// A re-seen URL gains the new query association instead of a duplicate row.
// Returns how many sources were newly added.
func (s *Session) AddSources(results []SourceDocument) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, result := range results {
		if result.URL == "" {
			continue
		}
		if idx, seen := s.sourceIndex[result.URL]; seen {
			existing := &s.sources[idx]
			for _, q := range result.Queries {
				if !containsString(existing.Queries, q) {
					existing.Queries = append(existing.Queries, q)
				}
			}
			continue
		}
		s.sourceIndex[result.URL] = len(s.sources)
		s.sources = append(s.sources, result)
		added++
	}
	s.touch()
	return added
}

// Sources returns a copy of the deduplicated source list.
func (s *Session) Sources() []SourceDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceDocument, len(s.sources))
	copy(out, s.sources)
	return out
}

// AddInsights appends extracted insights.
func (s *Session) AddInsights(insights []Insight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insights...)
	s.touch()
}

// Insights returns a copy of the insight list.
func (s *Session) Insights() []Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Insight, len(s.insights))
	copy(out, s.insights)
	return out
}

// PlanDocuments replaces the planned document set. Called once when the
// generation stage decides the document structure.
func (s *Session) PlanDocuments(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = make([]Document, len(docs))
	copy(s.documents, docs)
	s.touch()
}

// Documents returns a copy of the document list.
func (s *Session) Documents() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, len(s.documents))
	copy(out, s.documents)
	return out
}

// Document returns a copy of the document at index, or false.
func (s *Session) Document(index int) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.documents) {
		return Document{}, false
	}
	return s.documents[index], true
}

// ReviseDocument replaces the body of the document at index and records the
// refinement round that produced it.
func (s *Session) ReviseDocument(index int, body string, round int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.documents) {
		return
	}
	s.documents[index].Body = body
	if round > s.documents[index].RefinementRound {
		s.documents[index].RefinementRound = round
	}
	s.touch()
}

// ApproveDocument marks the document at index approved. Approval is one-way.
func (s *Session) ApproveDocument(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.documents) {
		return
	}
	s.documents[index].Approved = true
	s.touch()
}

// PassGate records a named quality gate as satisfied. Gates never retract.
func (s *Session) PassGate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[name] = true
	s.touch()
}

// GatePassed reports whether the named gate has been satisfied.
func (s *Session) GatePassed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gates[name]
}

// Gates returns the sorted list of passed gate names.
func (s *Session) Gates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.gates))
	for name, passed := range s.gates {
		if passed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RatchetMaturity raises the maturity score to value. Lower recomputations
// are discarded so the score never decreases across a session's lifetime.
func (s *Session) RatchetMaturity(value float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value > s.maturity {
		s.maturity = value
		s.touch()
	}
	return s.maturity
}

// Maturity returns the current maturity score.
func (s *Session) Maturity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maturity
}

// ConsumeSearchBudget reserves up to want extra dynamic searches against the
// session-global budget and returns how many were granted.
func (s *Session) ConsumeSearchBudget(want, budget int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := budget - s.extraSearches
	if remaining <= 0 || want <= 0 {
		return 0
	}
	granted := want
	if granted > remaining {
		granted = remaining
	}
	s.extraSearches += granted
	s.touch()
	return granted
}

// Fail moves the session to the absorbing failed state.
func (s *Session) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.stage = StageFailed
	s.failed = true
	s.errText = msg
	s.touch()
}

// Abandon flags the session for teardown. The workflow goroutine checks the
// flag between indivisible units; the current unit is allowed to finish.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = true
	s.touch()
}

// Abandoned reports whether teardown was requested.
func (s *Session) Abandoned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.abandoned
}

// Done reports whether the session reached a terminal state or was abandoned.
func (s *Session) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed || s.failed || s.abandoned
}

func (s *Session) touch() {
	s.updatedAt = s.now()
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
