// Package policy resolves the resource limits applied to an evaluation.
//
// A submission's language and optional risk hint are classified into a
// Tier; the tier's configured Limits are then snapshotted into an immutable
// ResourcePolicy. Network access is never granted, whatever the tier.
package policy
