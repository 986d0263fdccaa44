// Package cli implements gatekeeper-admin, the operator command line.
//
// Most commands read the same GATEKEEPER_* environment as the server and
// talk to the database directly:
//
//	gatekeeper-admin migrate
//	gatekeeper-admin normalize-permissions
//	gatekeeper-admin reconcile-trials
//	gatekeeper-admin set-entitlement --org-id 12 --module crm --status trial --trial-days 30
//	gatekeeper-admin issue-token --user-id 7 --name ci --ttl 720h
//	gatekeeper-admin issue-session --user-id 7
//
// catalog validates a catalog file without touching the database:
//
//	gatekeeper-admin catalog --file modules.yaml
//
// check asks a running server whether a bearer token may perform an action.
// It exits non-zero on a denial:
//
//	GATEKEEPER_TOKEN=gk_... gatekeeper-admin check --module crm --submodule leads --action update
package cli
