// Package domain holds the generation task entity and its state machine,
// the document and dedup keys that identify an artifact, and the dedup slot
// recording which task produced a cached result. It has no infrastructure
// dependencies.
package domain
