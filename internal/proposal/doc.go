// Package proposal turns a natural-language automation request into a
// Mermaid flowchart through a bounded generate, validate and correct loop, and
// records every accepted diagram as a numbered ArchitectureIteration.
package proposal
