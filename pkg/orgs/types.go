package orgs

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// LicenseTier names the license an organization was sold
type LicenseTier string

const (
	TierFree       LicenseTier = "free"
	TierPro        LicenseTier = "pro"
	TierEnterprise LicenseTier = "enterprise"
	TierCustom     LicenseTier = "custom"
)

var (
	// ErrOrgNotFound is returned when no organization matches
	ErrOrgNotFound = errors.New("organization not found")
	// ErrSlugTaken is returned when creating an organization with a used slug
	ErrSlugTaken = errors.New("organization slug already exists")
	// ErrInvalidOrganization wraps request validation failures
	ErrInvalidOrganization = errors.New("invalid organization")
)

// Organization is a tenant
type Organization struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Slug        string      `json:"slug"`
	LicenseTier LicenseTier `json:"license_tier"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CreateOrgRequest is the body of POST /admin/organizations
type CreateOrgRequest struct {
	Name         string      `json:"name"`
	Slug         string      `json:"slug,omitempty"`
	LicenseTier  LicenseTier `json:"license_tier"`
	ExtraModules []string    `json:"extra_modules,omitempty"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// ValidTier reports whether t is a known license tier
func ValidTier(t LicenseTier) bool {
	switch t {
	case TierFree, TierPro, TierEnterprise, TierCustom:
		return true
	}
	return false
}

// ValidateSlug checks that a slug is lowercase, URL safe and 2 to 63 chars
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: slug %q must match %s", ErrInvalidOrganization, slug, slugPattern)
	}
	return nil
}

// Validate fills defaults and checks the request
func (r *CreateOrgRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidOrganization)
	}
	if r.Slug == "" {
		r.Slug = GenerateSlug(r.Name)
	}
	if err := ValidateSlug(r.Slug); err != nil {
		return err
	}
	if r.LicenseTier == "" {
		r.LicenseTier = TierFree
	}
	if !ValidTier(r.LicenseTier) {
		return fmt.Errorf("%w: unknown license tier %q", ErrInvalidOrganization, r.LicenseTier)
	}
	return nil
}
