package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/quartz"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store handles RBAC data persistence
type Store struct {
	db        *sql.DB
	validator *Validator
	clock     quartz.Clock
	logger    *observability.Logger
}

// NewStore creates a new RBAC store. Every write is validated against the
// catalog through validator.
func NewStore(db *sql.DB, validator *Validator, clock quartz.Clock, logger *observability.Logger) *Store {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Store{
		db:        db,
		validator: validator,
		clock:     clock,
		logger:    observability.OrNop(logger),
	}
}

// Validator returns the catalog validator used for writes
func (s *Store) Validator() *Validator {
	return s.validator
}

const serviceRoleColumns = `id, organization_id, name, description, permissions, created_at, updated_at`

func scanServiceRole(row interface{ Scan(...interface{}) error }) (*ServiceRole, error) {
	var role ServiceRole
	var orgID sql.NullInt64
	var permissionsJSON string

	if err := row.Scan(&role.ID, &orgID, &role.Name, &role.Description, &permissionsJSON, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	if err := json.Unmarshal([]byte(permissionsJSON), &role.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	if role.Permissions == nil {
		role.Permissions = []string{}
	}
	return &role, nil
}

// CreateServiceRole creates a role. A nil OrganizationID makes it global.
func (s *Store) CreateServiceRole(ctx context.Context, role *ServiceRole) error {
	if strings.TrimSpace(role.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidPermission)
	}
	perms, err := s.validator.ValidatePermissions(role.Permissions)
	if err != nil {
		return err
	}
	permissionsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	now := s.clock.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO service_roles (organization_id, name, description, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`,
		role.OrganizationID, role.Name, role.Description, string(permissionsJSON), now,
	).Scan(&role.ID)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrRoleExists, role.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create service role: %w", err)
	}

	role.Permissions = perms
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetServiceRole retrieves a role by ID
func (s *Store) GetServiceRole(ctx context.Context, id int64) (*ServiceRole, error) {
	role, err := scanServiceRole(s.db.QueryRowContext(ctx,
		`SELECT `+serviceRoleColumns+` FROM service_roles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service role: %w", err)
	}
	return role, nil
}

// ListServiceRoles lists the org's roles followed by the global ones
func (s *Store) ListServiceRoles(ctx context.Context, orgID int64) ([]*ServiceRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceRoleColumns+`
		FROM service_roles
		WHERE organization_id = $1 OR organization_id IS NULL
		ORDER BY CASE WHEN organization_id IS NULL THEN 1 ELSE 0 END, name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list service roles: %w", err)
	}
	defer rows.Close()

	roles := make([]*ServiceRole, 0)
	for rows.Next() {
		role, err := scanServiceRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateServiceRole replaces a role's description and grants
func (s *Store) UpdateServiceRole(ctx context.Context, role *ServiceRole) error {
	perms, err := s.validator.ValidatePermissions(role.Permissions)
	if err != nil {
		return err
	}
	permissionsJSON, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_roles
		SET description = $1, permissions = $2, updated_at = $3
		WHERE id = $4`,
		role.Description, string(permissionsJSON), now, role.ID)
	if err != nil {
		return fmt.Errorf("failed to update service role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}

	role.Permissions = perms
	role.UpdatedAt = now
	return nil
}

// DeleteServiceRole deletes a role. Managers holding it lose its grants.
func (s *Store) DeleteServiceRole(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	return nil
}

const userColumns = `id, organization_id, email, name, role, service_role_id, manager_id, assigned_modules, sub_module_permissions, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var orgID, serviceRoleID, managerID sql.NullInt64
	var role, modulesJSON, subPermsJSON string

	err := row.Scan(&u.ID, &orgID, &u.Email, &u.Name, &role, &serviceRoleID, &managerID,
		&modulesJSON, &subPermsJSON, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	if orgID.Valid {
		id := orgID.Int64
		u.OrganizationID = &id
	}
	if serviceRoleID.Valid {
		id := serviceRoleID.Int64
		u.ServiceRoleID = &id
	}
	if managerID.Valid {
		id := managerID.Int64
		u.ManagerID = &id
	}
	if err := json.Unmarshal([]byte(modulesJSON), &u.AssignedModules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assigned modules: %w", err)
	}
	if err := json.Unmarshal([]byte(subPermsJSON), &u.SubModulePermissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submodule permissions: %w", err)
	}
	if u.AssignedModules == nil {
		u.AssignedModules = []string{}
	}
	if u.SubModulePermissions == nil {
		u.SubModulePermissions = SubModulePermissions{}
	}
	return &u, nil
}

// CreateUser validates and inserts a user. The email is stored lowercased.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := u.Validate(); err != nil {
		return err
	}

	modules, err := s.validator.ValidateModules(u.AssignedModules)
	if err != nil {
		return err
	}
	subPerms, err := s.validator.ValidateSubModulePermissions(u.SubModulePermissions)
	if err != nil {
		return err
	}
	if u.ServiceRoleID != nil {
		if err := s.checkServiceRole(ctx, *u.ServiceRoleID, u); err != nil {
			return err
		}
	}
	if u.ManagerID != nil {
		if err := s.checkManager(ctx, *u.ManagerID, u); err != nil {
			return err
		}
	}

	modulesJSON, err := json.Marshal(modules)
	if err != nil {
		return fmt.Errorf("failed to marshal assigned modules: %w", err)
	}
	subPermsJSON, err := json.Marshal(subPerms)
	if err != nil {
		return fmt.Errorf("failed to marshal submodule permissions: %w", err)
	}

	now := s.clock.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (organization_id, email, name, role, service_role_id, manager_id,
			assigned_modules, sub_module_permissions, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`,
		u.OrganizationID, u.Email, u.Name, string(u.Role), u.ServiceRoleID, u.ManagerID,
		string(modulesJSON), string(subPermsJSON), true, now,
	).Scan(&u.ID)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	u.AssignedModules = modules
	u.SubModulePermissions = subPerms
	u.IsActive = true
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

func (s *Store) checkServiceRole(ctx context.Context, roleID int64, u *User) error {
	if u.Role != RoleManager {
		return fmt.Errorf("%w: service roles apply to managers", ErrRoleMismatch)
	}
	role, err := s.GetServiceRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.VisibleTo(*u.OrganizationID) {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	return nil
}

func (s *Store) checkManager(ctx context.Context, managerID int64, u *User) error {
	manager, err := s.GetUser(ctx, managerID)
	if err != nil {
		return err
	}
	if !manager.InOrg(*u.OrganizationID) {
		return fmt.Errorf("%w: %d", ErrUserNotFound, managerID)
	}
	if manager.ID == u.ID {
		return fmt.Errorf("%w: a user cannot manage themselves", ErrInvalidUser)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UserIDByEmail resolves an identity provider email to an active user
func (s *Store) UserIDByEmail(ctx context.Context, email string) (int64, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if !u.IsActive {
		return 0, fmt.Errorf("%w: %s is inactive", ErrUserNotFound, email)
	}
	return u.ID, nil
}

// ListUsers lists the users of an org
func (s *Store) ListUsers(ctx context.Context, orgID int64) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE organization_id = $1 ORDER BY id`, orgID)
}

// ListUsersByRoles lists the active users of an org holding any of roles
func (s *Store) ListUsersByRoles(ctx context.Context, orgID int64, roles ...Role) ([]*User, error) {
	if len(roles) == 0 {
		return []*User{}, nil
	}
	args := make([]interface{}, 0, len(roles)+2)
	args = append(args, orgID, true)
	for _, r := range roles {
		args = append(args, string(r))
	}
	query := `SELECT ` + userColumns + ` FROM users
		WHERE organization_id = $1 AND is_active = $2 AND role IN (` + storage.Placeholders(3, len(roles)) + `)
		ORDER BY id`
	return s.queryUsers(ctx, query, args...)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...interface{}) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AssignModules replaces a manager's module assignment
func (s *Store) AssignModules(ctx context.Context, userID int64, modules []string) (*User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != RoleManager {
		return nil, fmt.Errorf("%w: modules are assigned to managers", ErrRoleMismatch)
	}
	cleaned, err := s.validator.ValidateModules(modules)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assigned modules: %w", err)
	}
	if err := s.updateUserColumn(ctx, userID, "assigned_modules", string(data)); err != nil {
		return nil, err
	}
	u.AssignedModules = cleaned
	return u, nil
}

// SetSubModulePermissions replaces an executive's submodule grants
func (s *Store) SetSubModulePermissions(ctx context.Context, userID int64, perms SubModulePermissions) (*User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != RoleExecutive {
		return nil, fmt.Errorf("%w: submodule permissions apply to executives", ErrRoleMismatch)
	}
	cleaned, err := s.validator.ValidateSubModulePermissions(perms)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submodule permissions: %w", err)
	}
	if err := s.updateUserColumn(ctx, userID, "sub_module_permissions", string(data)); err != nil {
		return nil, err
	}
	u.SubModulePermissions = cleaned
	return u, nil
}

// SetServiceRole assigns or clears a manager's service role
func (s *Store) SetServiceRole(ctx context.Context, userID int64, roleID *int64) (*User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if roleID != nil {
		if err := s.checkServiceRole(ctx, *roleID, u); err != nil {
			return nil, err
		}
	} else if u.Role != RoleManager {
		return nil, fmt.Errorf("%w: service roles apply to managers", ErrRoleMismatch)
	}

	var value interface{}
	if roleID != nil {
		value = *roleID
	}
	if err := s.updateUserColumn(ctx, userID, "service_role_id", value); err != nil {
		return nil, err
	}
	u.ServiceRoleID = roleID
	return u, nil
}

// SetManager assigns or clears an executive's manager
func (s *Store) SetManager(ctx context.Context, userID int64, managerID *int64) (*User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role != RoleExecutive {
		return nil, fmt.Errorf("%w: only executives have a manager", ErrRoleMismatch)
	}
	var value interface{}
	if managerID != nil {
		if err := s.checkManager(ctx, *managerID, u); err != nil {
			return nil, err
		}
		value = *managerID
	}
	if err := s.updateUserColumn(ctx, userID, "manager_id", value); err != nil {
		return nil, err
	}
	u.ManagerID = managerID
	return u, nil
}

// SetUserActive activates or deactivates a user
func (s *Store) SetUserActive(ctx context.Context, userID int64, active bool) error {
	return s.updateUserColumn(ctx, userID, "is_active", active)
}

// updateUserColumn sets one column; column is always a constant from this file
func (s *Store) updateUserColumn(ctx context.Context, userID int64, column string, value interface{}) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+column+` = $1, updated_at = $2 WHERE id = $3`,
		value, s.clock.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return nil
}

// UpsertUserModulePermissions inserts materialized grants for one user and
// returns how many were new. Existing rows are left alone.
func (s *Store) UpsertUserModulePermissions(ctx context.Context, orgID, userID int64, perms []UserModulePermission) (int, error) {
	inserted := 0
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.clock.Now().UTC()
		for _, p := range perms {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO user_module_permissions (organization_id, user_id, module_key, submodule_key, action, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (organization_id, user_id, module_key, submodule_key, action) DO NOTHING`,
				orgID, userID, p.ModuleKey, p.SubmoduleKey, p.Action, now)
			if err != nil {
				return fmt.Errorf("failed to upsert module permission: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to upsert module permission: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeleteModulePermissions removes every materialized grant on module in an
// org and returns the number removed
func (s *Store) DeleteModulePermissions(ctx context.Context, orgID int64, module string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_module_permissions WHERE organization_id = $1 AND module_key = $2`, orgID, module)
	if err != nil {
		return 0, fmt.Errorf("failed to delete module permissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete module permissions: %w", err)
	}
	return n, nil
}

// ListUserModulePermissions lists a user's materialized grants
func (s *Store) ListUserModulePermissions(ctx context.Context, orgID, userID int64) ([]UserModulePermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, user_id, module_key, submodule_key, action, created_at
		FROM user_module_permissions
		WHERE organization_id = $1 AND user_id = $2
		ORDER BY module_key, submodule_key, action`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module permissions: %w", err)
	}
	defer rows.Close()

	perms := make([]UserModulePermission, 0)
	for rows.Next() {
		var p UserModulePermission
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.UserID, &p.ModuleKey, &p.SubmoduleKey, &p.Action, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan module permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
