// Package workflow drives one research session through the fixed eleven
// stage pipeline. Advance executes exactly one indivisible unit of work (one
// generation exchange, one search batch, one document revision); the caller
// loops and checks the abandon flag between units.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"colloquy/internal/activity"
	"colloquy/internal/config"
	"colloquy/internal/provider"
	"colloquy/internal/quality"
	"colloquy/internal/search"
	"colloquy/internal/session"
)

// Searcher is the dispatcher surface the engine needs.
type Searcher interface {
	Dispatch(ctx context.Context, queries []string) []search.QueryOutcome
}

// discussionRounds caps each conversational stage. Reaching the cap forces
// advancement to the next stage even when the discussion has not converged.
var discussionRounds = map[session.Stage]int{
	session.StageDiscussBreakdown:   4,
	session.StageDiscussFindings:    5,
	session.StageDeepDive:           7,
	session.StageDiscussCompilation: 4,
}

// Token and temperature budgets per exchange kind.
const (
	longFormTokens   = 8000
	discussionTokens = 4000
	reviewTokens     = 2000

	analysisTemp = 0.7
	reviewTemp   = 0.3
	compileTemp  = 0.5
)

// charsPerToken is the rough byte budget used when sizing research
// summaries against a collaborator's context window.
const charsPerToken = 4

const systemActor = "System"

// Engine runs one session. It is owned by a single goroutine; all shared
// state lives in the session and the activity log, which are safe for
// concurrent readers.
type Engine struct {
	sess     *session.Session
	feed     *activity.Log
	analyst  provider.Collaborator
	critic   provider.Collaborator
	searcher Searcher
	settings config.WorkflowSettings
	logger   *zap.Logger

	// Stage scratch. Prompt chaining needs the latest working text without
	// re-deriving it from the transcript.
	breakdown   string
	topics      string
	compilation string
	lastReview  string

	searchBatches int
	consensus     bool
	feasibility   bool

	docIndex int
	docRound int
}

// New wires an engine to a session and its collaborators.
func New(sess *session.Session, feed *activity.Log, analyst, critic provider.Collaborator, searcher Searcher, settings config.WorkflowSettings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sess:     sess,
		feed:     feed,
		analyst:  analyst,
		critic:   critic,
		searcher: searcher,
		settings: settings,
		logger:   logger.Named("workflow"),
	}
}

// Advance executes one indivisible unit of work for the session's current
// stage. A returned error is unrecoverable for the session; the caller moves
// it to the failed state. Advance is a no-op on terminal sessions.
func (e *Engine) Advance(ctx context.Context) error {
	if e.sess.Done() {
		return nil
	}
	unit := e.sess.BeginUnit()
	if e.settings.MaxConversationRound > 0 && unit > e.settings.MaxConversationRound {
		return fmt.Errorf("workflow: exceeded %d conversation rounds without completing", e.settings.MaxConversationRound)
	}

	var err error
	switch stage := e.sess.Stage(); stage {
	case session.StageInitialBreakdown:
		err = e.runInitialBreakdown(ctx)
	case session.StageDiscussBreakdown:
		err = e.runDiscussBreakdown(ctx)
	case session.StageExecuteResearch:
		err = e.runExecuteResearch(ctx)
	case session.StageAnalyzeResearch:
		err = e.runAnalyzeResearch(ctx)
	case session.StageDiscussFindings:
		err = e.runDiscussFindings(ctx)
	case session.StageDeepDive:
		err = e.runDeepDive(ctx)
	case session.StageCompile:
		err = e.runCompile(ctx)
	case session.StageDiscussCompilation:
		err = e.runDiscussCompilation(ctx)
	case session.StageGenerateDocuments:
		err = e.runGenerateDocuments(ctx)
	case session.StageRefineDocuments:
		err = e.runRefineDocuments(ctx)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	e.updateQuality()
	return nil
}

func (e *Engine) runInitialBreakdown(ctx context.Context) error {
	e.status("Analyzing project request")
	out, err := e.say(ctx, e.analyst, breakdownPrompt(e.sess.Prompt()), discussionTokens, analysisTemp)
	if err != nil {
		return err
	}
	e.breakdown = out
	e.enter(session.StageDiscussBreakdown)
	return nil
}

func (e *Engine) runDiscussBreakdown(ctx context.Context) error {
	round := e.sess.IncrementStageRound()
	switch round {
	case 0:
		out, err := e.say(ctx, e.critic, breakdownReviewPrompt(e.sess.Prompt(), e.breakdown), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.lastReview = out
	case 1:
		out, err := e.say(ctx, e.analyst, breakdownRefinePrompt(e.breakdown, e.lastReview), discussionTokens, analysisTemp)
		if err != nil {
			return err
		}
		e.breakdown = out
	case 2:
		out, err := e.say(ctx, e.critic, researchTopicsPrompt(e.sess.Prompt(), e.breakdown), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.topics = out
	case 3:
		if err := e.finalizeQueries(ctx); err != nil {
			return err
		}
	}
	if round+1 >= discussionRounds[session.StageDiscussBreakdown] {
		e.enter(session.StageExecuteResearch)
	}
	return nil
}

// finalizeQueries asks the Analyst for the research plan as a JSON array.
// A malformed answer gets one clarified retry; a second failure falls back
// to default queries derived from the user prompt.
func (e *Engine) finalizeQueries(ctx context.Context) error {
	out, err := e.say(ctx, e.analyst, queryListPrompt(e.sess.Prompt(), e.topics), discussionTokens, reviewTemp)
	if err != nil {
		return err
	}
	queries, xerr := extractQueryList(out)
	if errors.Is(xerr, provider.ErrMalformedOutput) {
		e.status("Query list malformed, retrying with clarified prompt")
		out, err = e.say(ctx, e.analyst, queryListRetryPrompt(e.sess.Prompt()), discussionTokens, reviewTemp)
		if err != nil {
			return err
		}
		queries, xerr = extractQueryList(out)
	}
	if xerr != nil {
		queries = fallbackQueries(e.sess.Prompt())
		e.status(fmt.Sprintf("Falling back to %d default queries", len(queries)))
	} else {
		// Both collaborators converged on a research plan.
		e.consensus = true
	}
	e.sess.AddQueries(queries)
	e.status(fmt.Sprintf("Research plan: %d queries", len(queries)))
	return nil
}

func (e *Engine) runExecuteResearch(ctx context.Context) error {
	pending := e.sess.PendingQueries()
	if len(pending) == 0 {
		e.status("No research queries planned, skipping search")
		e.enter(session.StageAnalyzeResearch)
		return nil
	}
	e.status(fmt.Sprintf("Searching: %d queries", len(pending)))
	added := e.dispatch(ctx, pending)
	e.status(fmt.Sprintf("Research complete: %d new sources, %d total", added, len(e.sess.Sources())))
	e.enter(session.StageAnalyzeResearch)
	return nil
}

// dispatch runs a query batch, merges the results into the session, and
// returns the count of newly added sources. Failed queries are resolved too;
// they produced their (empty) answer.
func (e *Engine) dispatch(ctx context.Context, queries []string) int {
	outcomes := e.searcher.Dispatch(ctx, queries)
	e.searchBatches++
	added := 0
	for _, outcome := range outcomes {
		e.sess.ResolveQuery(outcome.Query)
		if outcome.Err != nil {
			e.feed.Append(e.sess.Stage(), activity.KindError, systemActor,
				fmt.Sprintf("Search failed: %q: %v", outcome.Query, outcome.Err))
			e.logger.Warn("search query failed", zap.String("query", outcome.Query), zap.Error(outcome.Err))
			continue
		}
		added += e.sess.AddSources(outcome.Sources)
	}
	return added
}

func (e *Engine) runAnalyzeResearch(ctx context.Context) error {
	sources := e.sess.Sources()
	e.status(fmt.Sprintf("Analyzing %d sources", len(sources)))
	budget := e.analyst.ContextBudget() * charsPerToken / 2
	out, err := e.say(ctx, e.analyst, analysisPrompt(e.sess.Prompt(), sources, budget), longFormTokens, analysisTemp)
	if err != nil {
		return err
	}
	insights := extractInsights(out, sources)
	e.sess.AddInsights(insights)
	e.status(fmt.Sprintf("Extracted %d insights", len(insights)))
	e.enter(session.StageDiscussFindings)
	return nil
}

func (e *Engine) runDiscussFindings(ctx context.Context) error {
	round := e.sess.IncrementStageRound()
	switch {
	case round == 0:
		_, err := e.say(ctx, e.analyst, findingsPresentationPrompt(e.sess.Prompt(), e.researchSummary(e.analyst)), discussionTokens, analysisTemp)
		if err != nil {
			return err
		}
	case round%2 == 1:
		last, _ := e.sess.LatestMessage(provider.RoleAnalyst)
		out, err := e.say(ctx, e.critic, findingsCritiquePrompt(last.Content), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.lastReview = out
	default:
		_, err := e.say(ctx, e.analyst, findingsElaborationPrompt(e.lastReview, e.researchSummary(e.analyst)), discussionTokens, analysisTemp)
		if err != nil {
			return err
		}
	}
	if round+1 >= discussionRounds[session.StageDiscussFindings] {
		e.enter(session.StageDeepDive)
	}
	return nil
}

func (e *Engine) runDeepDive(ctx context.Context) error {
	round := e.sess.IncrementStageRound()
	if round%2 == 0 {
		out, err := e.say(ctx, e.analyst, deepDivePrompt(e.sess.Prompt(), e.researchSummary(e.analyst), round), discussionTokens, analysisTemp)
		if err != nil {
			return err
		}
		e.maybeSearch(ctx, out)
	} else {
		last, _ := e.sess.LatestMessage(provider.RoleAnalyst)
		out, err := e.say(ctx, e.critic, deepDiveReviewPrompt(last.Content), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.maybeSearch(ctx, out)
	}
	if round+1 >= discussionRounds[session.StageDeepDive] {
		e.status("Deep dive round cap reached, advancing")
		e.enter(session.StageCompile)
	}
	return nil
}

func (e *Engine) runCompile(ctx context.Context) error {
	e.status("Compiling master summary")
	out, err := e.say(ctx, e.analyst, compilePrompt(e.sess.Prompt(), e.researchSummary(e.analyst)), longFormTokens, compileTemp)
	if err != nil {
		return err
	}
	e.compilation = out
	e.feasibility = containsFeasibility(out)
	if !e.feasibility {
		e.status("Compilation lacks a feasibility assessment")
	}
	e.enter(session.StageDiscussCompilation)
	return nil
}

func (e *Engine) runDiscussCompilation(ctx context.Context) error {
	round := e.sess.IncrementStageRound()
	approved := false
	switch round {
	case 0:
		out, err := e.say(ctx, e.critic, compilationReviewPrompt(e.compilation), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.lastReview = out
		approved = containsApproval(out)
		e.maybeSearch(ctx, out)
	case 2:
		out, err := e.say(ctx, e.critic, compilationConfirmPrompt(e.compilation), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.lastReview = out
		approved = containsApproval(out) || len(extractSearchRequests(out)) == 0
	default:
		out, err := e.say(ctx, e.analyst, compilationUpdatePrompt(e.compilation, e.lastReview), longFormTokens, compileTemp)
		if err != nil {
			return err
		}
		e.compilation = out
		e.feasibility = e.feasibility || containsFeasibility(out)
	}
	if approved {
		e.consensus = true
		e.status("Compilation approved")
		e.enter(session.StageGenerateDocuments)
		return nil
	}
	if round+1 >= discussionRounds[session.StageDiscussCompilation] {
		e.status("Compilation round cap reached, advancing without explicit approval")
		e.enter(session.StageGenerateDocuments)
	}
	return nil
}

func (e *Engine) runGenerateDocuments(ctx context.Context) error {
	round := e.sess.IncrementStageRound()
	if round == 0 {
		return e.planDocuments(ctx)
	}
	docs := e.sess.Documents()
	idx := round - 1
	if idx >= len(docs) {
		e.enter(session.StageRefineDocuments)
		return nil
	}
	doc := docs[idx]
	e.status(fmt.Sprintf("Drafting document %d/%d: %s", idx+1, len(docs), doc.Title))
	out, err := e.say(ctx, e.analyst, draftDocumentPrompt(e.sess.Prompt(), e.compilation, doc), longFormTokens, analysisTemp)
	if err != nil {
		return err
	}
	e.sess.ReviseDocument(idx, out, 0)
	if idx+1 >= len(docs) {
		e.docIndex, e.docRound = 0, 0
		e.lastReview = ""
		e.enter(session.StageRefineDocuments)
	}
	return nil
}

func (e *Engine) planDocuments(ctx context.Context) error {
	out, err := e.say(ctx, e.analyst, documentPlanPrompt(e.sess.Prompt(), e.compilation), discussionTokens, reviewTemp)
	if err != nil {
		return err
	}
	docs, xerr := extractDocumentPlan(out)
	if errors.Is(xerr, provider.ErrMalformedOutput) {
		e.status("Document plan malformed, retrying with clarified prompt")
		out, err = e.say(ctx, e.analyst, documentPlanPrompt(e.sess.Prompt(), e.compilation), discussionTokens, reviewTemp)
		if err != nil {
			return err
		}
		docs, xerr = extractDocumentPlan(out)
	}
	if xerr != nil {
		docs = []session.Document{{
			Title:   "Development Plan",
			Purpose: "Complete development plan covering scope, architecture, and implementation order",
		}}
		e.status("Falling back to a single development plan document")
	}
	e.sess.PlanDocuments(docs)
	e.status(fmt.Sprintf("Planned %d documents", len(docs)))
	return nil
}

func (e *Engine) runRefineDocuments(ctx context.Context) error {
	docs := e.sess.Documents()
	if e.docIndex >= len(docs) {
		e.finish()
		return nil
	}
	doc := docs[e.docIndex]

	if e.docRound == 0 {
		e.docRound = 1
		e.status(fmt.Sprintf("Reviewing document %d/%d: %s", e.docIndex+1, len(docs), doc.Title))
		review, err := e.say(ctx, e.critic, documentReviewPrompt(doc, 1), reviewTokens, reviewTemp)
		if err != nil {
			return err
		}
		e.lastReview = review
		e.sess.ReviseDocument(e.docIndex, doc.Body, 1)
		if containsApproval(review) {
			e.approveCurrent(doc.Title, 1)
		}
		return nil
	}

	round := e.docRound + 1
	revised, err := e.say(ctx, e.analyst, reviseDocumentPrompt(doc, e.lastReview), longFormTokens, analysisTemp)
	if err != nil {
		return err
	}
	e.sess.ReviseDocument(e.docIndex, revised, round)
	doc.Body = revised
	review, err := e.say(ctx, e.critic, documentReviewPrompt(doc, round), reviewTokens, reviewTemp)
	if err != nil {
		return err
	}
	e.lastReview = review
	e.docRound = round
	if containsApproval(review) {
		e.approveCurrent(doc.Title, round)
		return nil
	}
	if round >= e.maxRefinementRounds() {
		e.status(fmt.Sprintf("Document %q unapproved after %d rounds, moving on", doc.Title, round))
		e.nextDocument()
	}
	return nil
}

func (e *Engine) approveCurrent(title string, round int) {
	e.sess.ApproveDocument(e.docIndex)
	e.status(fmt.Sprintf("Document %q approved in round %d", title, round))
	e.nextDocument()
}

func (e *Engine) nextDocument() {
	e.docIndex++
	e.docRound = 0
	e.lastReview = ""
	if e.docIndex >= len(e.sess.Documents()) {
		e.finish()
	}
}

func (e *Engine) finish() {
	e.updateQuality()
	e.enter(session.StageCompleted)
	e.status(fmt.Sprintf("Workflow complete: %d documents, maturity %.2f, %d gates passed",
		len(e.sess.Documents()), e.sess.Maturity(), len(e.sess.Gates())))
}

func (e *Engine) maxRefinementRounds() int {
	if e.settings.MaxRefinementRounds > 0 {
		return e.settings.MaxRefinementRounds
	}
	return 6
}

// maybeSearch handles a dynamic-search trigger embedded in collaborator
// output. Granted queries count against the session-global budget; requests
// past the budget are dropped with a status event.
func (e *Engine) maybeSearch(ctx context.Context, content string) {
	requests := extractSearchRequests(content)
	if len(requests) == 0 {
		return
	}
	granted := e.sess.ConsumeSearchBudget(len(requests), e.settings.ExtraSearchBudget)
	if granted == 0 {
		e.status("Extra search budget exhausted, request dropped")
		return
	}
	requests = requests[:granted]
	e.status(fmt.Sprintf("Targeted search: %d queries", len(requests)))
	e.sess.AddQueries(requests)
	added := e.dispatch(ctx, requests)
	e.status(fmt.Sprintf("Targeted search added %d sources", added))
}

// say runs one generation, records the utterance on the transcript, and
// mirrors a preview onto the activity feed.
func (e *Engine) say(ctx context.Context, c provider.Collaborator, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := c.Generate(ctx, prompt, maxTokens, temperature)
	if err != nil {
		return "", fmt.Errorf("workflow: %s generation: %w", c.Role(), err)
	}
	e.sess.AppendMessage(c.Role(), out)
	e.feed.Append(e.sess.Stage(), activity.KindMessage, actorName(c.Role()), preview(out))
	return out, nil
}

func (e *Engine) status(text string) {
	e.feed.Append(e.sess.Stage(), activity.KindStatus, systemActor, text)
}

// enter advances the session stage and announces it on the feed.
func (e *Engine) enter(stage session.Stage) {
	e.sess.EnterStage(stage)
	e.feed.Append(stage, activity.KindStatus, systemActor,
		fmt.Sprintf("Stage %d/%d: %s", stage.Index()+1, len(session.Order), stage))
}

// updateQuality re-evaluates the gates and ratchets the maturity score.
// Runs after every unit so readers always see current numbers.
func (e *Engine) updateQuality() {
	insights := e.sess.Insights()
	supported := 0
	for _, insight := range insights {
		if len(insight.SourceURLs) > 0 {
			supported++
		}
	}
	docs := e.sess.Documents()
	attempted := 0
	for _, doc := range docs {
		if doc.Drafted() {
			attempted++
		}
	}
	executed := 0
	for _, q := range e.sess.Queries() {
		if q.Resolved {
			executed++
		}
	}
	stats := quality.Stats{
		SearchBatches:      e.searchBatches,
		QueriesExecuted:    executed,
		SourceCount:        len(e.sess.Sources()),
		InsightCount:       len(insights),
		SupportedInsights:  supported,
		MessageCount:       len(e.sess.Messages()),
		GatesPassed:        len(e.sess.Gates()),
		DocumentsPlanned:   len(docs),
		DocumentsAttempted: attempted,
		ConsensusReached:   e.consensus,
		FeasibilityStated:  e.feasibility,
		Maturity:           e.sess.Maturity(),
	}
	for _, gate := range quality.Evaluate(stats, e.settings.MaturityThreshold) {
		if !e.sess.GatePassed(gate) {
			e.sess.PassGate(gate)
			e.status("Quality gate passed: " + gate)
		}
	}
	stats.GatesPassed = len(e.sess.Gates())
	e.sess.RatchetMaturity(quality.Score(stats))
}

func actorName(role provider.Role) string {
	switch role {
	case provider.RoleAnalyst:
		return "Analyst"
	case provider.RoleCritic:
		return "Critic"
	}
	return string(role)
}

// preview trims a message for the activity feed.
func preview(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

// researchSummary renders the session's accumulated knowledge sized to
// roughly half the collaborator's context window.
func (e *Engine) researchSummary(c provider.Collaborator) string {
	budget := c.ContextBudget() * charsPerToken / 2
	var b strings.Builder
	sources := e.sess.Sources()
	insights := e.sess.Insights()
	fmt.Fprintf(&b, "Research corpus: %d sources, %d insights.\n", len(sources), len(insights))

	if len(insights) > 0 {
		b.WriteString("\nKey insights:\n")
		for i, insight := range insights {
			if i >= 30 || b.Len() > budget {
				break
			}
			fmt.Fprintf(&b, "- %s\n", insight.Content)
		}
	}

	messages := e.sess.Messages()
	if len(messages) > 0 {
		b.WriteString("\nRecent discussion:\n")
		start := len(messages) - 10
		if start < 0 {
			start = 0
		}
		for _, msg := range messages[start:] {
			if b.Len() > budget {
				break
			}
			fmt.Fprintf(&b, "[%s] %s\n", actorName(msg.Role), clip(msg.Content, 500))
		}
	}
	return clip(b.String(), budget)
}
