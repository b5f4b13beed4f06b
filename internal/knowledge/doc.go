// Package knowledge supplies short runtime notes that are embedded into AI
// prompts so generated designs use the capabilities the target runtime offers.
package knowledge
