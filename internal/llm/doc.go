// Package llm defines the text-generation capability used by the proposal and
// code generation stages. Prompts are structured values rendered by each
// provider adapter; adapters live in the gemini, openai and scriptbridge
// subpackages.
package llm
