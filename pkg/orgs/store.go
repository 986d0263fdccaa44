package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/quartz"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store persists organizations
type Store struct {
	db    *sql.DB
	clock quartz.Clock
}

// NewStore creates an organization store. A nil clock uses the real clock.
func NewStore(db *sql.DB, clock quartz.Clock) *Store {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Store{db: db, clock: clock}
}

const orgColumns = `id, name, slug, license_tier, is_active, created_at, updated_at`

func scanOrg(row interface{ Scan(...interface{}) error }) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.LicenseTier, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return org, nil
}

// Create inserts a new active organization
func (s *Store) Create(ctx context.Context, req CreateOrgRequest) (*Organization, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	org := &Organization{
		Name:        req.Name,
		Slug:        req.Slug,
		LicenseTier: req.LicenseTier,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, slug, license_tier, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		org.Name, org.Slug, org.LicenseTier, org.IsActive, org.CreatedAt, org.UpdatedAt,
	).Scan(&org.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrSlugTaken, org.Slug)
		}
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

// Get retrieves an organization by id
func (s *Store) Get(ctx context.Context, id int64) (*Organization, error) {
	org, err := scanOrg(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// GetBySlug retrieves an organization by slug
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	org, err := scanOrg(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// List returns organizations ordered by id
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Organization, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	orgs := make([]*Organization, 0)
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// SetActive activates or deactivates an organization
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	if n == 0 {
		return ErrOrgNotFound
	}
	return nil
}

// GenerateSlug derives a slug from a display name
func GenerateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
}
