// Package entitlements decides which modules an organization has licensed.
//
// Each (organization, module) pair has at most one row in org_entitlements
// with status enabled, disabled or trial, and each (organization, module,
// submodule) triple at most one row in org_sub_entitlements. Evaluation
// follows a fixed order:
//
//  1. always_on modules are enabled
//  2. rbac_only modules are enabled
//  3. no row means disabled
//  4. a trial past its expiry reads as disabled
//  5. a submodule is never more permissive than its parent
//
// An expired trial is not rewritten on read. The next write to the row, or
// ReconcileExpiredTrials, persists disabled and appends a trial_expired
// event.
//
// Rows are cached per organization. Every mutation invalidates the
// organization's entries after commit and before returning, so a caller
// always reads its own writes. Concurrent misses for the same row share one
// database query.
//
// Changes that flip a module between allowed and denied are handed to a
// SyncTrigger after commit. Sync failures never undo the change.
package entitlements
