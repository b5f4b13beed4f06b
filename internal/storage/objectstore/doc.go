// Package objectstore archives deployed artifacts to S3-compatible object
// storage. Archiving is best effort: the orchestrator logs failures and
// never rolls back a deployment because of them.
package objectstore
