package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownModule is returned when a module key is not in the catalog
	ErrUnknownModule = errors.New("unknown module")
	// ErrUnknownSubmodule is returned when a submodule key is not defined for its module
	ErrUnknownSubmodule = errors.New("unknown submodule")
	// ErrUnknownCategory is returned when a category key is not in the catalog
	ErrUnknownCategory = errors.New("unknown category")
	// ErrInvalidCatalog wraps every validation failure raised by Parse
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Standard actions every module supports. ActionManage is the wildcard.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionManage = "manage"
)

// CRUDActions is the deterministic expansion of ActionManage
var CRUDActions = []string{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Module is a licensable feature area
type Module struct {
	Key        string      `yaml:"key" json:"key"`
	Name       string      `yaml:"name" json:"name"`
	Category   string      `yaml:"-" json:"category,omitempty"`
	AlwaysOn   bool        `yaml:"always_on" json:"always_on"`
	RBACOnly   bool        `yaml:"rbac_only" json:"rbac_only"`
	Actions    []string    `yaml:"actions" json:"actions,omitempty"`
	Submodules []Submodule `yaml:"submodules" json:"submodules,omitempty"`
}

// Submodule is a finer-grained area inside a module. It shares the
// module's action set.
type Submodule struct {
	Key  string `yaml:"key" json:"key"`
	Name string `yaml:"name" json:"name"`
}

// Category is a bundle of modules licensed together
type Category struct {
	Key         string   `yaml:"key" json:"key"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Modules     []string `yaml:"modules" json:"modules"`
}

// Tier lists what an organization receives at creation for a license tier
type Tier struct {
	Name       string   `yaml:"name" json:"name"`
	Categories []string `yaml:"categories" json:"categories,omitempty"`
	Modules    []string `yaml:"modules" json:"modules,omitempty"`
}

type document struct {
	Modules    []Module   `yaml:"modules"`
	Categories []Category `yaml:"categories"`
	Tiers      []Tier     `yaml:"tiers"`
}

// Catalog is an immutable, validated view of modules, categories and tiers.
// Replace it through a Registry rather than mutating it.
type Catalog struct {
	modules    map[string]*Module
	submodules map[string]map[string]*Submodule
	categories map[string]*Category
	tiers      map[string]*Tier
	moduleKeys []string
	catKeys    []string
}

// LoadFile reads and parses a catalog file
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return build(doc)
}

func build(doc document) (*Catalog, error) {
	c := &Catalog{
		modules:    make(map[string]*Module, len(doc.Modules)),
		submodules: make(map[string]map[string]*Submodule, len(doc.Modules)),
		categories: make(map[string]*Category, len(doc.Categories)),
		tiers:      make(map[string]*Tier, len(doc.Tiers)),
	}

	for i := range doc.Modules {
		m := doc.Modules[i]
		if !keyPattern.MatchString(m.Key) {
			return nil, fmt.Errorf("%w: invalid module key %q", ErrInvalidCatalog, m.Key)
		}
		if _, dup := c.modules[m.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate module %q", ErrInvalidCatalog, m.Key)
		}
		if m.AlwaysOn && m.RBACOnly {
			return nil, fmt.Errorf("%w: module %q cannot be both always_on and rbac_only", ErrInvalidCatalog, m.Key)
		}
		if m.Name == "" {
			m.Name = m.Key
		}

		seen := make(map[string]bool, len(m.Actions))
		for _, a := range m.Actions {
			if !keyPattern.MatchString(a) || isStandardAction(a) || seen[a] {
				return nil, fmt.Errorf("%w: invalid extra action %q on module %q", ErrInvalidCatalog, a, m.Key)
			}
			seen[a] = true
		}

		subs := make(map[string]*Submodule, len(m.Submodules))
		for j := range m.Submodules {
			s := &m.Submodules[j]
			if !keyPattern.MatchString(s.Key) {
				return nil, fmt.Errorf("%w: invalid submodule key %q in %q", ErrInvalidCatalog, s.Key, m.Key)
			}
			if _, dup := subs[s.Key]; dup {
				return nil, fmt.Errorf("%w: duplicate submodule %q in %q", ErrInvalidCatalog, s.Key, m.Key)
			}
			if s.Name == "" {
				s.Name = s.Key
			}
			subs[s.Key] = s
		}

		mod := m
		c.modules[m.Key] = &mod
		c.submodules[m.Key] = subs
		c.moduleKeys = append(c.moduleKeys, m.Key)
	}

	for i := range doc.Categories {
		cat := doc.Categories[i]
		if !keyPattern.MatchString(cat.Key) {
			return nil, fmt.Errorf("%w: invalid category key %q", ErrInvalidCatalog, cat.Key)
		}
		if _, dup := c.categories[cat.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidCatalog, cat.Key)
		}
		if len(cat.Modules) == 0 {
			return nil, fmt.Errorf("%w: category %q has no modules", ErrInvalidCatalog, cat.Key)
		}
		for _, key := range cat.Modules {
			mod, ok := c.modules[key]
			if !ok {
				return nil, fmt.Errorf("%w: category %q references unknown module %q", ErrInvalidCatalog, cat.Key, key)
			}
			if mod.Category != "" {
				return nil, fmt.Errorf("%w: module %q is in both %q and %q", ErrInvalidCatalog, key, mod.Category, cat.Key)
			}
			mod.Category = cat.Key
		}
		if cat.Name == "" {
			cat.Name = cat.Key
		}
		category := cat
		c.categories[cat.Key] = &category
		c.catKeys = append(c.catKeys, cat.Key)
	}

	for i := range doc.Tiers {
		tier := doc.Tiers[i]
		if tier.Name == "" {
			return nil, fmt.Errorf("%w: tier without a name", ErrInvalidCatalog)
		}
		if _, dup := c.tiers[tier.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidCatalog, tier.Name)
		}
		for _, key := range tier.Categories {
			if _, ok := c.categories[key]; !ok {
				return nil, fmt.Errorf("%w: tier %q references unknown category %q", ErrInvalidCatalog, tier.Name, key)
			}
		}
		for _, key := range tier.Modules {
			if _, ok := c.modules[key]; !ok {
				return nil, fmt.Errorf("%w: tier %q references unknown module %q", ErrInvalidCatalog, tier.Name, key)
			}
		}
		t := tier
		c.tiers[tier.Name] = &t
	}

	sort.Strings(c.moduleKeys)
	sort.Strings(c.catKeys)
	return c, nil
}

func isStandardAction(action string) bool {
	switch action {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionManage:
		return true
	}
	return false
}

// Module returns the module definition for key
func (c *Catalog) Module(key string) (*Module, error) {
	m, ok := c.modules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, key)
	}
	return m, nil
}

// Submodule returns the submodule definition for module/sub
func (c *Catalog) Submodule(module, sub string) (*Submodule, error) {
	subs, ok := c.submodules[module]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	s, ok := subs[sub]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownSubmodule, module, sub)
	}
	return s, nil
}

// HasModule reports whether key is a known module
func (c *Catalog) HasModule(key string) bool {
	_, ok := c.modules[key]
	return ok
}

// HasSubmodule reports whether module/sub is a known submodule
func (c *Catalog) HasSubmodule(module, sub string) bool {
	_, err := c.Submodule(module, sub)
	return err == nil
}

// ModuleKeys returns every module key in sorted order
func (c *Catalog) ModuleKeys() []string {
	out := make([]string, len(c.moduleKeys))
	copy(out, c.moduleKeys)
	return out
}

// Modules returns every module in key order
func (c *Catalog) Modules() []Module {
	out := make([]Module, 0, len(c.moduleKeys))
	for _, key := range c.moduleKeys {
		out = append(out, *c.modules[key])
	}
	return out
}

// Category returns the category definition for key
func (c *Catalog) Category(key string) (*Category, error) {
	cat, ok := c.categories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, key)
	}
	return cat, nil
}

// Categories returns every category in key order
func (c *Catalog) Categories() []Category {
	out := make([]Category, 0, len(c.catKeys))
	for _, key := range c.catKeys {
		out = append(out, *c.categories[key])
	}
	return out
}

// Actions returns the concrete actions of a module: the CRUD set followed by
// its extra actions. The wildcard is not included.
func (c *Catalog) Actions(module string) ([]string, error) {
	m, err := c.Module(module)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(CRUDActions)+len(m.Actions))
	out = append(out, CRUDActions...)
	out = append(out, m.Actions...)
	return out, nil
}

// ValidAction reports whether action (including the wildcard) is defined
// for module
func (c *Catalog) ValidAction(module, action string) bool {
	m, ok := c.modules[module]
	if !ok {
		return false
	}
	if isStandardAction(action) {
		return true
	}
	for _, a := range m.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// TierModules resolves a license tier into a sorted, de-duplicated module
// list. Unknown tiers resolve to nothing.
func (c *Catalog) TierModules(tier string) []string {
	t, ok := c.tiers[tier]
	if !ok {
		return nil
	}
	set := make(map[string]struct{})
	for _, key := range t.Categories {
		for _, m := range c.categories[key].Modules {
			set[m] = struct{}{}
		}
	}
	for _, m := range t.Modules {
		set[m] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// HasTier reports whether a tier is defined
func (c *Catalog) HasTier(name string) bool {
	_, ok := c.tiers[name]
	return ok
}
