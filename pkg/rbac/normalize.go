package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// NormalizeLegacyPermissions rewrites legacy permission keys to the
// canonical form and drops entries the catalog no longer defines. It covers
// service role grants, manager module assignments and executive submodule
// grants, in one transaction. Running it twice is a no-op.
func (s *Store) NormalizeLegacyPermissions(ctx context.Context) (NormalizationReport, error) {
	var report NormalizationReport
	cat := s.validator.Catalog()

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		roles, err := loadServiceRoles(ctx, tx)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()

		for _, role := range roles {
			report.RolesScanned++
			seen := make(map[string]struct{}, len(role.Permissions))
			next := make([]string, 0, len(role.Permissions))
			changed := false

			for _, raw := range role.Permissions {
				p, err := NormalizeLegacyKey(raw, cat)
				if err != nil {
					report.Dropped++
					report.DroppedKeys = append(report.DroppedKeys, raw)
					changed = true
					continue
				}
				canonical := p.String()
				if canonical != raw {
					report.Rewritten++
					changed = true
				}
				if _, dup := seen[canonical]; dup {
					changed = true
					continue
				}
				seen[canonical] = struct{}{}
				next = append(next, canonical)
			}
			if !changed {
				continue
			}

			sort.Strings(next)
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal permissions: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE service_roles SET permissions = $1, updated_at = $2 WHERE id = $3`,
				string(data), now, role.ID); err != nil {
				return fmt.Errorf("failed to update service role %d: %w", role.ID, err)
			}
			report.RolesUpdated++
		}

		users, err := loadUsers(ctx, tx)
		if err != nil {
			return err
		}
		for _, u := range users {
			report.UsersScanned++
			modulesChanged, subsChanged := s.normalizeUser(u, &report)
			if !modulesChanged && !subsChanged {
				continue
			}
			modulesJSON, err := json.Marshal(u.AssignedModules)
			if err != nil {
				return fmt.Errorf("failed to marshal assigned modules: %w", err)
			}
			subsJSON, err := json.Marshal(u.SubModulePermissions)
			if err != nil {
				return fmt.Errorf("failed to marshal submodule permissions: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET assigned_modules = $1, sub_module_permissions = $2, updated_at = $3 WHERE id = $4`,
				string(modulesJSON), string(subsJSON), now, u.ID); err != nil {
				return fmt.Errorf("failed to update user %d: %w", u.ID, err)
			}
			report.UsersUpdated++
		}
		return nil
	})
	if err != nil {
		return NormalizationReport{}, err
	}

	s.logger.WithFields(map[string]interface{}{
		"roles_updated": report.RolesUpdated,
		"users_updated": report.UsersUpdated,
		"rewritten":     report.Rewritten,
		"dropped":       report.Dropped,
	}).Info("Normalized legacy permissions")
	return report, nil
}

// normalizeUser drops unknown modules and invalid executive grants in place
func (s *Store) normalizeUser(u *User, report *NormalizationReport) (bool, bool) {
	kept, droppedModules := s.validator.FilterModules(u.AssignedModules)
	modulesChanged := len(droppedModules) > 0
	if modulesChanged {
		report.Dropped += len(droppedModules)
		report.DroppedKeys = append(report.DroppedKeys, droppedModules...)
		next := make([]string, 0, len(kept))
		for m := range kept {
			next = append(next, m)
		}
		sort.Strings(next)
		u.AssignedModules = next
	}

	cat := s.validator.Catalog()
	subsChanged := false
	for module, subs := range u.SubModulePermissions {
		for sub, actions := range subs {
			valid := make([]string, 0, len(actions))
			for _, a := range actions {
				if cat.HasSubmodule(module, sub) && cat.ValidAction(module, a) {
					valid = append(valid, a)
					continue
				}
				report.Dropped++
				report.DroppedKeys = append(report.DroppedKeys, module+"."+sub+"."+a)
				subsChanged = true
			}
			if len(valid) == 0 {
				delete(subs, sub)
				subsChanged = true
				continue
			}
			subs[sub] = valid
		}
		if len(subs) == 0 {
			delete(u.SubModulePermissions, module)
			subsChanged = true
		}
	}
	return modulesChanged, subsChanged
}

func loadServiceRoles(ctx context.Context, tx *sql.Tx) ([]*ServiceRole, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+serviceRoleColumns+` FROM service_roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list service roles: %w", err)
	}
	defer rows.Close()

	var roles []*ServiceRole
	for rows.Next() {
		role, err := scanServiceRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func loadUsers(ctx context.Context, tx *sql.Tx) ([]*User, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role IN ($1, $2) ORDER BY id`,
		string(RoleManager), string(RoleExecutive))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
