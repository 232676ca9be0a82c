package workflow

import (
	"fmt"
	"strings"

	"colloquy/internal/session"
)

// criticInputLimit truncates material handed to the low-context Critic.
const criticInputLimit = 8000

func clip(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "\n[truncated]"
}

func breakdownPrompt(userPrompt string) string {
	return fmt.Sprintf(`You are a senior technical analyst. Break down the following project request into its core components, implicit requirements, and open questions.

Project request: %s

Cover:
1. Core functional components
2. Technical constraints and dependencies
3. Implicit requirements the request does not state
4. Risks and unknowns that research should resolve

Be thorough and structured.`, userPrompt)
}

func breakdownReviewPrompt(userPrompt, breakdown string) string {
	return fmt.Sprintf(`You are a critical reviewer. Review this project breakdown for gaps, wrong assumptions, and missing considerations.

Project request: %s

Breakdown:
%s

List concrete problems and missing angles. Be direct.`, userPrompt, clip(breakdown, criticInputLimit))
}

func breakdownRefinePrompt(breakdown, critique string) string {
	return fmt.Sprintf(`Refine your project breakdown to address this critique. Keep what was right, fix what was wrong.

Current breakdown:
%s

Critique:
%s

Return the full revised breakdown.`, breakdown, critique)
}

func researchTopicsPrompt(userPrompt, breakdown string) string {
	return fmt.Sprintf(`Based on this project breakdown, propose the research topics that would most reduce uncertainty.

Project request: %s

Breakdown:
%s

List 5-10 specific topics worth researching before implementation.`, userPrompt, clip(breakdown, criticInputLimit))
}

func queryListPrompt(userPrompt, topics string) string {
	return fmt.Sprintf(`Finalize the research plan for this project as concrete web search queries.

Project request: %s

Proposed topics:
%s

Respond with ONLY a JSON array of 5-10 search query strings, for example:
["query one", "query two"]`, userPrompt, topics)
}

// queryListRetryPrompt is the clarified second attempt after a parse failure.
func queryListRetryPrompt(userPrompt string) string {
	return fmt.Sprintf(`Output a JSON array of 5-10 web search query strings for researching this project, and nothing else. No prose, no markdown fences.

Project: %s`, userPrompt)
}

func analysisPrompt(userPrompt string, sources []session.SourceDocument, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Analyze the research gathered for this project and extract the key findings.

Project request: %s

Sources (%d):
`, userPrompt, len(sources))
	for i, src := range sources {
		entry := fmt.Sprintf("%d. %s\n   %s\n   %s\n", i+1, src.Title, src.URL, src.Snippet)
		if b.Len()+len(entry) > budget {
			fmt.Fprintf(&b, "[%d further sources omitted]\n", len(sources)-i)
			break
		}
		b.WriteString(entry)
	}
	b.WriteString(`
Produce a structured analysis. End with a bulleted list of the most important insights, one per line, each a standalone claim.`)
	return b.String()
}

func findingsPresentationPrompt(userPrompt, summary string) string {
	return fmt.Sprintf(`Present the key research findings for this project to your collaborator for discussion.

Project request: %s

%s

Summarize what the research established, what it contradicted, and what remains uncertain.`, userPrompt, summary)
}

func findingsCritiquePrompt(presentation string) string {
	return fmt.Sprintf(`You are a critical reviewer. Challenge these research findings: question weak evidence, flag contradictions, and probe for gaps.

Findings:
%s

Critique on the merits. Be specific about which claims are under-supported.`, clip(presentation, criticInputLimit))
}

func findingsElaborationPrompt(critique, summary string) string {
	return fmt.Sprintf(`Respond to this critique of the research findings. Defend what the evidence supports, concede what it does not.

Critique:
%s

%s`, critique, summary)
}

func deepDivePrompt(userPrompt, summary string, round int) string {
	return fmt.Sprintf(`Deep dive round %d. Explore an unresolved aspect of this project in depth, building on the discussion so far.

Project request: %s

%s

If a specific gap needs more research, include a line "SEARCH_NEEDED: <query>".`, round+1, userPrompt, summary)
}

func deepDiveReviewPrompt(dive string) string {
	return fmt.Sprintf(`Review this deep-dive analysis. Stress-test its reasoning and surface anything it glossed over.

Analysis:
%s

If a specific gap needs more research, include a line "SEARCH_NEEDED: <query>".`, clip(dive, criticInputLimit))
}

func compilePrompt(userPrompt, summary string) string {
	return fmt.Sprintf(`Compile everything established so far into a single master summary for this project: scope, architecture direction, key decisions with their supporting evidence, and open risks.

Project request: %s

%s

Include an explicit implementation feasibility assessment.`, userPrompt, summary)
}

func compilationReviewPrompt(compilation string) string {
	return fmt.Sprintf(`Review this compiled project summary for completeness and internal consistency.

Summary:
%s

If a specific gap needs more research, include a line "SEARCH_NEEDED: <query>". If the summary is sound, say APPROVED.`, clip(compilation, criticInputLimit))
}

func compilationUpdatePrompt(compilation, review string) string {
	return fmt.Sprintf(`Update the compiled summary to address this review.

Current summary:
%s

Review:
%s

Return the full revised summary.`, compilation, review)
}

func compilationConfirmPrompt(compilation string) string {
	return fmt.Sprintf(`Final check on this compiled project summary. If it is ready to drive document generation, say APPROVED. Otherwise state what is still missing.

Summary:
%s`, clip(compilation, criticInputLimit))
}

func documentPlanPrompt(userPrompt, compilation string) string {
	return fmt.Sprintf(`Decide which planning documents this project needs (for example: development plan, architecture overview, API design, testing strategy).

Project request: %s

Compiled summary:
%s

Respond with ONLY a JSON array of objects with "title" and "purpose" fields, 1-5 entries.`, userPrompt, compilation)
}

func draftDocumentPrompt(userPrompt, compilation string, doc session.Document) string {
	return fmt.Sprintf(`Write the document "%s" for this project.
Purpose: %s

Project request: %s

Compiled summary:
%s

Write the complete document in markdown. Be specific and actionable.`, doc.Title, doc.Purpose, userPrompt, compilation)
}

func documentReviewPrompt(doc session.Document, round int) string {
	return fmt.Sprintf(`Review round %d for the document "%s".
Purpose: %s

%s

If the document fulfils its purpose, say APPROVED. Otherwise list the specific revisions needed.`, round, doc.Title, doc.Purpose, clip(doc.Body, criticInputLimit))
}

func reviseDocumentPrompt(doc session.Document, critique string) string {
	return fmt.Sprintf(`Revise the document "%s" to address this review. Return the full revised document in markdown.

Current document:
%s

Review:
%s`, doc.Title, doc.Body, critique)
}
