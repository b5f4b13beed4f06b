// Package pipeline runs automatic deployment after a payment is verified.
// Verified sessions are published to a queue (in-memory, Redis list or
// RabbitMQ) and a Processor worker pool drives code generation and
// deployment through the session orchestrator.
package pipeline
