// Package evaluation defines the data model shared by the engine: the
// Evaluation unit of work, its lifecycle Status, the persisted Result
// record and the caller-facing reason codes.
package evaluation
