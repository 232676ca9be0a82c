package session

import (
	"sort"
	"time"
)

// DocumentSummary is the read-only document view exposed to clients.
type DocumentSummary struct {
	Title           string `json:"title"`
	Approved        bool   `json:"approved"`
	RefinementRound int    `json:"refinement_round"`
	Drafted         bool   `json:"drafted"`
}

// Snapshot is an immutable, JSON-serializable view of a session. It is safe
// to hand to any goroutine; nothing in it aliases live session state.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	Prompt     string    `json:"user_prompt"`
	Stage      Stage     `json:"current_stage"`
	StageRound int       `json:"stage_round"`
	Round      int       `json:"conversation_round"`
	Maturity   float64   `json:"context_maturity"`
	Gates      []string  `json:"quality_gates_passed"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	MessageCount int `json:"message_count"`
	QueryCount   int `json:"query_count"`
	SourceCount  int `json:"search_count"`
	InsightCount int `json:"insight_count"`

	Documents      []DocumentSummary `json:"documents"`
	LatestMessages []Message         `json:"latest_messages"`

	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
	Abandoned bool   `json:"abandoned"`
	Error     string `json:"error,omitempty"`
}

const latestMessageWindow = 6

// Snapshot builds a deep-copied view of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gates := make([]string, 0, len(s.gates))
	for name, passed := range s.gates {
		if passed {
			gates = append(gates, name)
		}
	}
	sort.Strings(gates)

	docs := make([]DocumentSummary, len(s.documents))
	for i, doc := range s.documents {
		docs[i] = DocumentSummary{
			Title:           doc.Title,
			Approved:        doc.Approved,
			RefinementRound: doc.RefinementRound,
			Drafted:         doc.Drafted(),
		}
	}

	start := len(s.messages) - latestMessageWindow
	if start < 0 {
		start = 0
	}
	latest := make([]Message, len(s.messages)-start)
	copy(latest, s.messages[start:])

	return Snapshot{
		SessionID:      s.id,
		Prompt:         s.prompt,
		Stage:          s.stage,
		StageRound:     s.stageRound,
		Round:          s.round,
		Maturity:       s.maturity,
		Gates:          gates,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
		MessageCount:   len(s.messages),
		QueryCount:     len(s.queries),
		SourceCount:    len(s.sources),
		InsightCount:   len(s.insights),
		Documents:      docs,
		LatestMessages: latest,
		Completed:      s.completed,
		Failed:         s.failed,
		Abandoned:      s.abandoned,
		Error:          s.errText,
	}
}
