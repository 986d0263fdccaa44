// Package permsync keeps materialized user permissions in line with
// organization entitlements.
//
// When a module is licensed, every org_admin and management user of the
// organization receives a row per catalog action, module-wide and per
// submodule. When it is unlicensed, every row for that module is deleted.
// Each sync appends a permissions_restored or permissions_revoked event with
// the affected count.
//
// Sync runs after the entitlement change has committed and never undoes it.
// A failure for one user is logged, collected in a SyncFailure and skipped.
package permsync
