// Package artifact validates what the AI stages produce: Mermaid flowchart
// proposals and the CRE workflow bundle (workflow.yaml plus function.js).
// Every function here is pure so the proposal and code generation retry loops
// can be exercised offline.
package artifact
