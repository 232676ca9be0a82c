package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"colloquy/internal/provider"
	"colloquy/internal/session"
)

// searchMarker is the structured hook a collaborator uses to request more
// research mid-stage. One query per marker line.
const searchMarker = "SEARCH_NEEDED:"

// approvalMarker is the explicit signal the Critic must emit for a document
// to count as approved. Anything else is a revision request.
const approvalMarker = "APPROVED"

// maxQueriesPerTrigger caps how many queries one dynamic-search marker can
// request, before the session-global budget is applied.
const maxQueriesPerTrigger = 3

// extractQueryList pulls a JSON string array out of free-form collaborator
// output. The strict path requires a well-formed array; failure reports
// ErrMalformedOutput so the caller can retry with a clarified prompt.
func extractQueryList(content string) ([]string, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("workflow: no JSON array found: %w", provider.ErrMalformedOutput)
	}
	var queries []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &queries); err != nil {
		return nil, fmt.Errorf("workflow: parse query list: %w", provider.ErrMalformedOutput)
	}
	cleaned := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("workflow: empty query list: %w", provider.ErrMalformedOutput)
	}
	return cleaned, nil
}

// fallbackQueries derives a degraded default query list from the user
// prompt when extraction fails twice.
func fallbackQueries(prompt string) []string {
	return []string{
		prompt + " best practices",
		prompt + " architecture",
		prompt + " implementation guide",
	}
}

// extractSearchRequests scans output for SEARCH_NEEDED markers and returns
// the embedded query strings, capped per trigger. Ambiguous or empty
// markers yield nothing: a null result, never a guess.
func extractSearchRequests(content string) []string {
	var queries []string
	for _, line := range strings.Split(content, "\n") {
		idx := strings.Index(line, searchMarker)
		if idx < 0 {
			continue
		}
		query := strings.TrimSpace(line[idx+len(searchMarker):])
		query = strings.Trim(query, "[]\"'")
		if query == "" {
			continue
		}
		queries = append(queries, query)
		if len(queries) >= maxQueriesPerTrigger {
			break
		}
	}
	return queries
}

// containsApproval reports whether a Critic review carries the explicit
// approval signal.
func containsApproval(content string) bool {
	return strings.Contains(strings.ToUpper(content), approvalMarker)
}

// containsFeasibility reports whether a compiled output includes a
// feasibility statement.
func containsFeasibility(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "feasib") || strings.Contains(lower, "viability")
}

// maxInsights bounds extraction to the band the analysis stage targets.
const maxInsights = 20

// minInsightLength filters list-item noise from real claims.
const minInsightLength = 20

// extractInsights pulls bullet and numbered list items out of an analysis
// and links each to the sources whose titles share terms with it. Insights
// with no supporting source are kept but unreferenced.
func extractInsights(analysis string, sources []session.SourceDocument) []session.Insight {
	var insights []session.Insight
	for _, line := range strings.Split(analysis, "\n") {
		line = strings.TrimSpace(line)
		if !isListItem(line) {
			continue
		}
		claim := strings.TrimLeft(line, "-*•0123456789.): ")
		claim = strings.TrimSpace(claim)
		if len(claim) < minInsightLength {
			continue
		}
		insights = append(insights, session.Insight{
			Content:    claim,
			SourceURLs: supportingSources(claim, sources),
		})
		if len(insights) >= maxInsights {
			break
		}
	}
	return insights
}

func isListItem(line string) bool {
	if line == "" {
		return false
	}
	switch line[0] {
	case '-', '*':
		return true
	}
	if strings.HasPrefix(line, "•") {
		return true
	}
	if len(line) > 2 && line[0] >= '0' && line[0] <= '9' && (line[1] == '.' || line[1] == ')' || line[1] == ':') {
		return true
	}
	return false
}

// supportingSources returns up to three source URLs whose titles overlap
// the claim on at least two significant terms.
func supportingSources(claim string, sources []session.SourceDocument) []string {
	claimTerms := significantTerms(claim)
	var urls []string
	for _, src := range sources {
		overlap := 0
		for term := range significantTerms(src.Title) {
			if _, ok := claimTerms[term]; ok {
				overlap++
			}
		}
		if overlap >= 2 {
			urls = append(urls, src.URL)
			if len(urls) >= 3 {
				break
			}
		}
	}
	return urls
}

func significantTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;()[]\"'")
		if len(word) > 3 {
			terms[word] = struct{}{}
		}
	}
	return terms
}

// documentPlan is the JSON shape the Analyst is asked to emit when planning
// the document set.
type documentPlan struct {
	Title   string `json:"title"`
	Purpose string `json:"purpose"`
}

// maxPlannedDocuments caps the document set the generation stage accepts.
const maxPlannedDocuments = 7

// extractDocumentPlan parses a JSON array of {title, purpose} objects.
// Failure reports ErrMalformedOutput; callers fall back to a single
// development-plan document.
func extractDocumentPlan(content string) ([]session.Document, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("workflow: no document plan found: %w", provider.ErrMalformedOutput)
	}
	var plans []documentPlan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plans); err != nil {
		return nil, fmt.Errorf("workflow: parse document plan: %w", provider.ErrMalformedOutput)
	}
	var docs []session.Document
	for _, plan := range plans {
		title := strings.TrimSpace(plan.Title)
		if title == "" {
			continue
		}
		docs = append(docs, session.Document{Title: title, Purpose: strings.TrimSpace(plan.Purpose)})
		if len(docs) >= maxPlannedDocuments {
			break
		}
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("workflow: empty document plan: %w", provider.ErrMalformedOutput)
	}
	return docs, nil
}
