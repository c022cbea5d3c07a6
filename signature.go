package bucketcache

import (
	"errors"
	"fmt"
	"sort"
)

// ParamKind classifies a formal parameter of a wrapped function.
type ParamKind int

const (
	// Positional parameters bind by position or by name.
	Positional ParamKind = iota
	// KeywordOnly parameters bind by name only.
	KeywordOnly
	// VarPositional collects surplus positional arguments.
	VarPositional
	// VarKeyword collects surplus keyword arguments.
	VarKeyword
)

// String returns the kind's name.
func (k ParamKind) String() string {
	switch k {
	case Positional:
		return "positional"
	case KeywordOnly:
		return "keyword-only"
	case VarPositional:
		return "var-positional"
	case VarKeyword:
		return "var-keyword"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// Param describes one formal parameter.
type Param struct {
	Name       string
	Kind       ParamKind
	Default    any    // bound when the caller omits the parameter
	HasDefault bool   // distinguishes "defaults to nil" from "required"
	Type       string // optional annotation; part of the fingerprint when set
}

// Signature describes a wrapped function: its name and formal parameters in
// declaration order. The signature is the static half of a call's key
// material, so editing it (renaming the function, adding a parameter,
// changing a default) invalidates previously cached calls.
type Signature struct {
	Name   string
	Params []Param
}

// validate reports every structural problem with the signature.
func (s Signature) validate() []error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("signature has no name"))
	}

	seen := make(map[string]bool, len(s.Params))
	var varPositional, varKeyword int
	var defaulted bool
	for i, p := range s.Params {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("parameter %d has no name", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate parameter %q", p.Name))
		}
		seen[p.Name] = true

		switch p.Kind {
		case Positional:
			if varPositional > 0 || varKeyword > 0 {
				errs = append(errs, fmt.Errorf("positional parameter %q after a variadic parameter", p.Name))
			}
			if defaulted && !p.HasDefault {
				errs = append(errs, fmt.Errorf("required parameter %q follows a defaulted parameter", p.Name))
			}
			if p.HasDefault {
				defaulted = true
			}
		case KeywordOnly:
			if varKeyword > 0 {
				errs = append(errs, fmt.Errorf("keyword-only parameter %q after the var-keyword parameter", p.Name))
			}
		case VarPositional:
			varPositional++
			if varPositional > 1 {
				errs = append(errs, fmt.Errorf("second var-positional parameter %q", p.Name))
			}
			if varKeyword > 0 {
				errs = append(errs, fmt.Errorf("var-positional parameter %q after the var-keyword parameter", p.Name))
			}
			if p.HasDefault {
				errs = append(errs, fmt.Errorf("var-positional parameter %q cannot have a default", p.Name))
			}
		case VarKeyword:
			varKeyword++
			if varKeyword > 1 {
				errs = append(errs, fmt.Errorf("second var-keyword parameter %q", p.Name))
			}
			if p.HasDefault {
				errs = append(errs, fmt.Errorf("var-keyword parameter %q cannot have a default", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("parameter %q has unknown kind %d", p.Name, int(p.Kind)))
		}
	}
	return errs
}

// param returns the named parameter.
func (s Signature) param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// varParam returns the parameter of the given variadic kind.
func (s Signature) varParam(kind ParamKind) (Param, bool) {
	for _, p := range s.Params {
		if p.Kind == kind {
			return p, true
		}
	}
	return Param{}, false
}

// bind resolves a call against the signature. On success, named maps every
// Positional and KeywordOnly parameter to its bound value (defaults applied)
// and, when a var-keyword parameter is declared, maps its name to the map of
// absorbed surplus keywords. Surplus positionals come back in varArgs, in
// call order. Equivalent calls bind identically: f(1, 2) and f(a=1, b=2)
// produce the same binding and therefore the same fingerprint.
func (s Signature) bind(args []any, kwargs map[string]any) (named map[string]any, varArgs []any, err error) {
	var positional []Param
	for _, p := range s.Params {
		if p.Kind == Positional {
			positional = append(positional, p)
		}
	}
	_, hasVarPos := s.varParam(VarPositional)
	varKw, hasVarKw := s.varParam(VarKeyword)

	named = make(map[string]any, len(s.Params))
	for i, arg := range args {
		if i < len(positional) {
			named[positional[i].Name] = arg
			continue
		}
		if !hasVarPos {
			return nil, nil, fmt.Errorf("%s takes %d positional arguments but %d were given",
				s.Name, len(positional), len(args))
		}
		varArgs = append(varArgs, arg)
	}

	var extras map[string]any
	if hasVarKw {
		extras = make(map[string]any)
	}
	for _, name := range sortedKeys(kwargs) {
		p, ok := s.param(name)
		if ok && (p.Kind == Positional || p.Kind == KeywordOnly) {
			if _, dup := named[name]; dup {
				return nil, nil, fmt.Errorf("%s got multiple values for parameter %q", s.Name, name)
			}
			named[name] = kwargs[name]
			continue
		}
		// A keyword matching a variadic parameter's name is a surplus
		// keyword like any other.
		if !hasVarKw {
			return nil, nil, fmt.Errorf("%s got an unexpected keyword argument %q", s.Name, name)
		}
		extras[name] = kwargs[name]
	}

	for _, p := range s.Params {
		if p.Kind != Positional && p.Kind != KeywordOnly {
			continue
		}
		if _, ok := named[p.Name]; ok {
			continue
		}
		if !p.HasDefault {
			return nil, nil, fmt.Errorf("%s missing required argument %q", s.Name, p.Name)
		}
		named[p.Name] = p.Default
	}

	if hasVarKw {
		named[varKw.Name] = extras
	}
	return named, varArgs, nil
}

// sortedKeys returns m's keys in sorted order, keeping binding and
// validation results deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
