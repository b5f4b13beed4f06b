package proposal

import (
	"fmt"
	"strings"

	"OnyxLab-Core/internal/knowledge"
	"OnyxLab-Core/internal/llm"
)

const systemPrompt = "" +
	"You are OnyxLab's workflow architect for the Chainlink Runtime Environment (CRE). " +
	"Design the requested automation as a Mermaid flowchart. " +
	"Answer with exactly one ```mermaid fenced block whose first line is `flowchart TD`. " +
	"Use short alphanumeric node ids with labels in brackets, connect every node with edges " +
	"and do not add prose outside the block."

const capabilities = `- Triggers: cron schedule, HTTP request, EVM log event.
- Capabilities: HTTP fetch, compute (JavaScript function), EVM read, EVM write, consensus across nodes, notification.
- Secrets are provided by the runtime and must not appear in the diagram.`

func proposePrompt(prompt string, snippets []knowledge.Snippet) llm.Prompt {
	return llm.Prompt{
		System: systemPrompt,
		Sections: []llm.Section{
			{Title: "Runtime capabilities", Content: capabilities},
			{Title: "User request", Content: prompt},
		},
		Task: "Propose the workflow architecture for the user request as a Mermaid flowchart.",
	}.WithKnowledge(cards(snippets))
}

func regeneratePrompt(previousDiagram, feedback string, snippets []knowledge.Snippet) llm.Prompt {
	return llm.Prompt{
		System: systemPrompt,
		Sections: []llm.Section{
			{Title: "Runtime capabilities", Content: capabilities},
			{Title: "Previous diagram", Content: "```mermaid\n" + strings.TrimSpace(previousDiagram) + "\n```"},
			{Title: "User feedback", Content: feedback},
		},
		Task: "Revise the previous diagram so it addresses the user feedback. Return the complete revised flowchart.",
	}.WithKnowledge(cards(snippets))
}

func correctionFor(err error) string {
	if err == errNoDiagram {
		return "No Mermaid diagram was found. Reply with a single ```mermaid block starting with `flowchart TD`."
	}
	return fmt.Sprintf("The diagram is not valid Mermaid flowchart syntax (%v). Fix it and return the whole diagram.", err)
}

func cards(snippets []knowledge.Snippet) []llm.KnowledgeCard {
	if len(snippets) == 0 {
		return nil
	}
	out := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		out = append(out, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}
	return out
}
