package codegen

import (
	"fmt"
	"strings"

	"OnyxLab-Core/internal/artifact"
	"OnyxLab-Core/internal/llm"
)

const systemPrompt = "" +
	"You are OnyxLab's code generator for the Chainlink Runtime Environment (CRE). " +
	"Translate the approved architecture into two files and nothing else: " +
	"a ```yaml block containing workflow.yaml and a ```javascript block containing function.js. " +
	"workflow.yaml must follow the schema exactly; unknown fields are rejected."

func generatePrompt(request, diagram string) llm.Prompt {
	return llm.Prompt{
		System: systemPrompt,
		Sections: []llm.Section{
			{Title: "workflow.yaml schema", Content: artifact.SchemaReference},
			{Title: "function.js template", Content: artifact.FunctionTemplate},
			{Title: "User request", Content: request},
			{Title: "Approved architecture", Content: "```mermaid\n" + strings.TrimSpace(diagram) + "\n```"},
		},
		Task: "Generate workflow.yaml and function.js implementing the approved architecture.",
	}
}

func missingCorrection(bundle artifact.Bundle) string {
	hasWorkflow := strings.TrimSpace(bundle.WorkflowYAML) != ""
	hasFunction := strings.TrimSpace(bundle.FunctionJS) != ""
	switch {
	case hasWorkflow && !hasFunction:
		return "Your answer is missing the ```javascript block with " + artifact.FunctionFileName +
			". The " + artifact.WorkflowFileName + " you returned is kept; reply with only the missing file."
	case hasFunction && !hasWorkflow:
		return "Your answer is missing the ```yaml block with " + artifact.WorkflowFileName +
			". The " + artifact.FunctionFileName + " you returned is kept; reply with only the missing file."
	default:
		return fmt.Sprintf("Your answer contained neither file. Return the ```yaml block with %s and the ```javascript block with %s.",
			artifact.WorkflowFileName, artifact.FunctionFileName)
	}
}

func schemaCorrection(violations []string) string {
	var builder strings.Builder
	builder.WriteString("workflow.yaml does not match the schema:\n")
	for _, violation := range violations {
		builder.WriteString("- ")
		builder.WriteString(violation)
		builder.WriteString("\n")
	}
	builder.WriteString("Fix every violation and return the corrected workflow.yaml. " +
		"The previous function.js is kept unless you return a new one.")
	return builder.String()
}
