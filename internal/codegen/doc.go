// Package codegen generates the deployable artifact bundle (workflow.yaml and
// function.js) for an approved architecture diagram. Generation is bounded by
// a shared budget of AI calls and never writes to storage.
package codegen
