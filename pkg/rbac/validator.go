package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/catalog"
)

// NormalizeLegacyKey converts a legacy module_action (or module:action) key
// into a canonical permission. Module keys may themselves contain
// underscores, so the longest matching module key wins.
func NormalizeLegacyKey(s string, cat *catalog.Catalog) (Permission, error) {
	if strings.Contains(s, ".") {
		p, err := ParsePermission(s)
		if err != nil {
			return Permission{}, err
		}
		if !cat.ValidAction(p.Module, p.Action) {
			return Permission{}, fmt.Errorf("%w: %s", ErrInvalidPermission, s)
		}
		return p, nil
	}

	keys := cat.ModuleKeys()
	sort.SliceStable(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, key := range keys {
		for _, sep := range []string{"_", ":"} {
			rest, ok := strings.CutPrefix(s, key+sep)
			if !ok || rest == "" {
				continue
			}
			if cat.ValidAction(key, rest) {
				return Permission{Module: key, Action: rest}, nil
			}
		}
	}
	return Permission{}, fmt.Errorf("%w: cannot normalize %q", ErrInvalidPermission, s)
}

// Validator checks permission data against the live catalog
type Validator struct {
	registry *catalog.Registry
}

// NewValidator creates a validator reading registry on every call
func NewValidator(registry *catalog.Registry) *Validator {
	return &Validator{registry: registry}
}

// Catalog returns the current catalog snapshot
func (v *Validator) Catalog() *catalog.Catalog {
	return v.registry.Current()
}

// ValidatePermission parses s and checks it against the catalog
func (v *Validator) ValidatePermission(s string) (Permission, error) {
	p, err := ParsePermission(s)
	if err != nil {
		return Permission{}, err
	}
	if !v.Catalog().ValidAction(p.Module, p.Action) {
		return Permission{}, fmt.Errorf("%w: %s is not defined", ErrInvalidPermission, s)
	}
	return p, nil
}

// ValidatePermissions validates a grant list and returns it sorted and
// de-duplicated
func (v *Validator) ValidatePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, s := range perms {
		p, err := v.ValidatePermission(s)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p.String()]; dup {
			continue
		}
		seen[p.String()] = struct{}{}
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out, nil
}

// ValidateModules validates a manager's module assignment
func (v *Validator) ValidateModules(modules []string) ([]string, error) {
	cat := v.Catalog()
	seen := make(map[string]struct{}, len(modules))
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		if !cat.HasModule(m) {
			return nil, fmt.Errorf("%w: unknown module %q", ErrInvalidPermission, m)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// ValidateSubModulePermissions validates an executive's grants. Every
// module, submodule and action must exist.
func (v *Validator) ValidateSubModulePermissions(perms SubModulePermissions) (SubModulePermissions, error) {
	cat := v.Catalog()
	out := make(SubModulePermissions, len(perms))
	for module, subs := range perms {
		if !cat.HasModule(module) {
			return nil, fmt.Errorf("%w: unknown module %q", ErrInvalidPermission, module)
		}
		for sub, actions := range subs {
			if !cat.HasSubmodule(module, sub) {
				return nil, fmt.Errorf("%w: unknown submodule %s.%s", ErrInvalidPermission, module, sub)
			}
			cleaned := make([]string, 0, len(actions))
			seen := make(map[string]struct{}, len(actions))
			for _, a := range actions {
				if !cat.ValidAction(module, a) {
					return nil, fmt.Errorf("%w: %s.%s.%s is not defined", ErrInvalidPermission, module, sub, a)
				}
				if _, dup := seen[a]; dup {
					continue
				}
				seen[a] = struct{}{}
				cleaned = append(cleaned, a)
			}
			sort.Strings(cleaned)
			if len(cleaned) == 0 {
				continue
			}
			if out[module] == nil {
				out[module] = make(map[string][]string)
			}
			out[module][sub] = cleaned
		}
	}
	return out, nil
}

// FilterPermissions is the read-time counterpart of ValidatePermissions. It
// keeps the valid grants and returns the rejected keys.
func (v *Validator) FilterPermissions(perms []string) (PermissionSet, []string) {
	cat := v.Catalog()
	set := make(PermissionSet, len(perms))
	var dropped []string
	for _, s := range perms {
		p, err := ParsePermission(s)
		if err != nil || !cat.ValidAction(p.Module, p.Action) {
			dropped = append(dropped, s)
			continue
		}
		set.Add(p)
	}
	return set, dropped
}

// FilterModules keeps the modules still present in the catalog
func (v *Validator) FilterModules(modules []string) (map[string]struct{}, []string) {
	cat := v.Catalog()
	kept := make(map[string]struct{}, len(modules))
	var dropped []string
	for _, m := range modules {
		if !cat.HasModule(m) {
			dropped = append(dropped, m)
			continue
		}
		kept[m] = struct{}{}
	}
	return kept, dropped
}

// FilterActions keeps an executive's actions that are still valid for
// module/submodule
func (v *Validator) FilterActions(module, submodule string, actions []string) (map[string]struct{}, []string) {
	cat := v.Catalog()
	kept := make(map[string]struct{}, len(actions))
	var dropped []string
	if !cat.HasSubmodule(module, submodule) {
		for _, a := range actions {
			dropped = append(dropped, module+"."+submodule+"."+a)
		}
		return kept, dropped
	}
	for _, a := range actions {
		if !cat.ValidAction(module, a) {
			dropped = append(dropped, module+"."+submodule+"."+a)
			continue
		}
		if a == catalog.ActionManage {
			for _, crud := range catalog.CRUDActions {
				kept[crud] = struct{}{}
			}
			continue
		}
		kept[a] = struct{}{}
	}
	return kept, dropped
}
