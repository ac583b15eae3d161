package compact

import (
	"fmt"
	"strings"
)

// compactionPromptTemplate drives the single-pass compaction. Placeholders:
// message count, grouped token count, formatted transcript.
const compactionPromptTemplate = `You are performing context compaction for an ongoing conversation. Your task is to distill the conversation history into a high-fidelity compressed format that enables continuation with minimal performance degradation.

## CATEGORISATION RULES

Analyse each segment of the conversation and categorise it:

### MUST PRESERVE (Full Fidelity)
- **Architectural Decisions**: Any decisions about system design, patterns, or structure with their rationale
- **Unresolved Issues**: Bugs, errors, or problems that have not been fully resolved
- **Implementation Details**: Specific code paths, file locations, configurations that affect future work
- **User Preferences**: Explicit requests, constraints, or preferences stated by the user
- **Critical Data**: Important numbers, calculations, findings, and their sources
- **Active Tasks**: Work in progress, next steps, or pending actions
- **Error Context**: Error messages, stack traces, and debugging information for unresolved issues

### COMPRESS (Reduced Fidelity)
- **Resolved Tasks**: Brief outcome note only (e.g., "Fixed authentication bug in auth.py")
- **Exploratory Discussion**: Conclusions only, not the exploration process
- **Tool Outputs**: Key findings only, not raw output
- **Explanations**: Final understanding only, not iterative clarification

### DISCARD
- **Redundant Information**: Duplicate tool outputs, repeated explanations
- **Superseded Decisions**: Earlier decisions that were later changed
- **Verbose Completions**: Detailed explanations of work that is finished and won't be referenced
- **Pleasantries**: Greetings, acknowledgments, conversational filler

## OUTPUT FORMAT

Produce a structured compacted context in the following format:

# COMPACTED CONTEXT

## Critical Decisions & Architecture
[List architectural decisions with brief rationale - preserve exact details]

## Unresolved Issues
[List any bugs, errors, or problems still being worked on - preserve full context]

## Implementation State
[Current state of implementation: what's done, what's in progress, key file paths]

## Key Data & Findings
[Important numbers, calculations, discoveries with sources - preserve exact values]

## User Preferences & Constraints
[Explicit user requirements and constraints]

## Recent Context Summary
[Brief summary of the most recent exchanges not covered above]

## Discarded Topics
[List topics that were discussed but are no longer relevant - titles only for reference]

## CONVERSATION TO COMPACT

The original conversation contained %d messages with approximately %s tokens.

%s

## INSTRUCTIONS

1. Read through the entire conversation carefully
2. Categorise each meaningful segment according to the rules above
3. PRESERVE critical information with HIGH FIDELITY - do not lose important details
4. COMPRESS resolved/completed items to brief summaries
5. DISCARD redundant and superseded information
6. Output the structured compacted context
7. Ensure the compacted context contains ALL information needed to continue the conversation effectively
8. For numerical data, preserve EXACT values - do not round or approximate

Begin your compacted context output now:`

// BuildCompactionPrompt renders the single-pass compaction request.
func BuildCompactionPrompt(transcript string, messageCount, tokenCount int) string {
	return fmt.Sprintf(compactionPromptTemplate, messageCount, groupInt(tokenCount), transcript)
}

// BuildChunkPrompt renders the compaction request for one chunk of a larger
// conversation.
func BuildChunkPrompt(transcript string, messageCount, tokenCount, chunkNum, totalChunks int) string {
	return fmt.Sprintf(`You are summarising part %d of %d of a conversation.

This chunk contains %d messages (%s tokens).

Create a concise summary that preserves:
- Key decisions and conclusions
- Important facts, data, or code snippets
- Action items or commitments
- Critical context needed for continuation

CONVERSATION CHUNK %d/%d:
%s

Provide a focused summary of this chunk (aim for 10-20%% of original length):`,
		chunkNum, totalChunks, messageCount, groupInt(tokenCount), chunkNum, totalChunks, transcript)
}

// BuildCombinePrompt renders the second-pass request that merges chunk
// summaries into one narrative.
func BuildCombinePrompt(summaries []string) string {
	var sb strings.Builder
	for i, summary := range summaries {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&sb, "CHUNK %d:\n%s", i+1, summary)
	}

	return fmt.Sprintf(`You have %d summarised chunks from a single conversation.
Combine these into one coherent summary that:
- Maintains chronological flow
- Preserves all key information
- Removes redundancy
- Creates a unified narrative

CHUNK SUMMARIES:
%s

Create a unified summary:`, len(summaries), sb.String())
}
