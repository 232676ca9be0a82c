// Package session holds the per-research-request state: the stage cursor,
// the conversation transcript, research material, and generated documents.
// A Session is mutated only by its own workflow goroutine; readers get
// deep-copied snapshots.
package session

import (
	"time"

	"colloquy/internal/provider"
)

// Stage is one phase of the fixed eleven-step workflow.
type Stage string

const (
	StageInitialBreakdown   Stage = "initial_breakdown"
	StageDiscussBreakdown   Stage = "discuss_breakdown"
	StageExecuteResearch    Stage = "execute_research"
	StageAnalyzeResearch    Stage = "analyze_research"
	StageDiscussFindings    Stage = "discuss_findings"
	StageDeepDive           Stage = "deep_dive"
	StageCompile            Stage = "compile"
	StageDiscussCompilation Stage = "discuss_compilation"
	StageGenerateDocuments  Stage = "generate_documents"
	StageRefineDocuments    Stage = "refine_documents"
	StageCompleted          Stage = "completed"

	// StageFailed is the absorbing error state, reachable from any stage.
	StageFailed Stage = "failed"
)

// Order lists the workflow stages in execution order. StageFailed is not a
// member; it is reachable from anywhere and never left.
var Order = []Stage{
	StageInitialBreakdown,
	StageDiscussBreakdown,
	StageExecuteResearch,
	StageAnalyzeResearch,
	StageDiscussFindings,
	StageDeepDive,
	StageCompile,
	StageDiscussCompilation,
	StageGenerateDocuments,
	StageRefineDocuments,
	StageCompleted,
}

// Index returns the stage's position in Order, or -1 for StageFailed and
// unknown values.
func (s Stage) Index() int {
	for i, stage := range Order {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s in Order. Terminal stages return
// themselves.
func (s Stage) Next() Stage {
	idx := s.Index()
	if idx < 0 || idx >= len(Order)-1 {
		return s
	}
	return Order[idx+1]
}

// Terminal reports whether no further work happens in this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Message is one collaborator utterance. Immutable once appended.
type Message struct {
	ID        string        `json:"id"`
	Role      provider.Role `json:"role"`
	Content   string        `json:"content"`
	Stage     Stage         `json:"stage"`
	Timestamp time.Time     `json:"timestamp"`
}

// ResearchQuery is one search the workflow planned. Only Resolved may change
// after creation.
type ResearchQuery struct {
	Text     string `json:"text"`
	Stage    Stage  `json:"stage"`
	Round    int    `json:"round"`
	Resolved bool   `json:"resolved"`
}

// SourceDocument is one deduplicated web result. URL is the dedup key;
// Queries lists every query text that surfaced it, for citation purposes.
type SourceDocument struct {
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Snippet   string   `json:"snippet"`
	Relevance float64  `json:"relevance"`
	Queries   []string `json:"queries"`
}

// Insight is an extracted claim. SourceURLs may be empty; unsupported
// insights are allowed but count against the research_validation gate.
type Insight struct {
	Content    string   `json:"content"`
	SourceURLs []string `json:"source_urls"`
}

// Document is a planned document and, once drafted, its evolving body.
type Document struct {
	Title           string `json:"title"`
	Purpose         string `json:"purpose"`
	Body            string `json:"body"`
	Approved        bool   `json:"approved"`
	RefinementRound int    `json:"refinement_round"`
}

// Drafted reports whether the document has a body yet.
func (d Document) Drafted() bool { return d.Body != "" }
