package authz

import (
	"fmt"
	"strings"
)

// Rule grants a path pattern and method set to a group of roles.
//
// Path patterns are matched exactly, segment by segment. A segment written
// as a placeholder such as "{id}" matches one or more ASCII digits.
type Rule struct {
	Name    string
	Path    string
	Methods []string
	Roles   []string
	// OwnerRoles are allowed provisionally; the upstream service verifies
	// that the caller owns the resource.
	OwnerRoles []string
}

// DefaultRules is the built-in access table for the product and order
// services.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "create-product",
			Path:    "/api/products",
			Methods: []string{"POST"},
			Roles:   []string{"ADMIN", "MANAGER"},
		},
		{
			Name:    "modify-product",
			Path:    "/api/products/{id}",
			Methods: []string{"PUT", "DELETE"},
			Roles:   []string{"ADMIN", "MANAGER"},
		},
		{
			Name:    "create-order",
			Path:    "/api/orders",
			Methods: []string{"POST"},
			Roles:   []string{"USER"},
		},
		{
			Name:       "update-order-status",
			Path:       "/api/orders/{id}/status",
			Methods:    []string{"PUT"},
			Roles:      []string{"ADMIN"},
			OwnerRoles: []string{"USER"},
		},
		{
			Name:    "list-orders",
			Path:    "/api/orders",
			Methods: []string{"GET"},
			Roles:   []string{"USER", "ADMIN"},
		},
	}
}

// segment is one compiled path element.
type segment struct {
	literal string
	numeric bool
}

type compiledRule struct {
	name       string
	segments   []segment
	methods    map[string]bool
	roles      map[string]bool
	ownerRoles map[string]bool
}

func compileRule(r Rule) (compiledRule, error) {
	if !strings.HasPrefix(r.Path, "/") {
		return compiledRule{}, fmt.Errorf("rule %q: path must start with /", r.Name)
	}
	if len(r.Methods) == 0 {
		return compiledRule{}, fmt.Errorf("rule %q: at least one method is required", r.Name)
	}
	if len(r.Roles) == 0 && len(r.OwnerRoles) == 0 {
		return compiledRule{}, fmt.Errorf("rule %q: at least one role is required", r.Name)
	}

	parts := strings.Split(r.Path, "/")
	segments := make([]segment, len(parts))
	for i, p := range parts {
		if len(p) > 2 && p[0] == '{' && p[len(p)-1] == '}' {
			segments[i] = segment{numeric: true}
			continue
		}
		if strings.ContainsAny(p, "{}") {
			return compiledRule{}, fmt.Errorf("rule %q: malformed placeholder in %q", r.Name, r.Path)
		}
		segments[i] = segment{literal: p}
	}

	name := r.Name
	if name == "" {
		name = strings.Join(r.Methods, ",") + " " + r.Path
	}

	return compiledRule{
		name:       name,
		segments:   segments,
		methods:    toSet(r.Methods, strings.ToUpper),
		roles:      toSet(r.Roles, nil),
		ownerRoles: toSet(r.OwnerRoles, nil),
	}, nil
}

func (r *compiledRule) matches(path, method string) bool {
	if !r.methods[method] {
		return false
	}

	// Walk the path without allocating.
	rest := path
	for i, seg := range r.segments {
		var part string
		if i == len(r.segments)-1 {
			if strings.Contains(rest, "/") {
				return false
			}
			part = rest
		} else {
			var ok bool
			part, rest, ok = strings.Cut(rest, "/")
			if !ok {
				return false
			}
		}

		if seg.numeric {
			if !isDigits(part) {
				return false
			}
		} else if part != seg.literal {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func toSet(values []string, normalize func(string) string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if normalize != nil {
			v = normalize(v)
		}
		set[v] = true
	}
	return set
}
