// Package catalog describes the opcodes a partition accepts and the shape of
// their payloads.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadPayload     = errors.New("invalid payload")
)

// Kind is the JSON type of a parameter.
type Kind int

const (
	Number Kind = iota
	Bool
	String
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// Param describes one payload field.
type Param struct {
	Name     string
	Kind     Kind
	Required bool
	Min, Max float64 // inclusive bounds for Number
}

// Spec describes one opcode.
type Spec struct {
	Name     string
	Params   []Param
	ReadOnly bool // does not move an actuator
	Safety   bool // manages the safe state
}

// Catalog is an immutable set of Specs keyed by opcode.
type Catalog struct {
	specs map[string]Spec
}

// New builds a catalog. Duplicate opcodes are an error.
func New(specs ...Spec) (*Catalog, error) {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("spec with empty name")
		}
		if _, dup := m[s.Name]; dup {
			return nil, fmt.Errorf("duplicate command %q", s.Name)
		}
		m[s.Name] = s
	}
	return &Catalog{specs: m}, nil
}

// Lookup returns the spec for an opcode.
func (c *Catalog) Lookup(command string) (Spec, bool) {
	s, ok := c.specs[command]
	return s, ok
}

// Names returns all opcodes, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for n := range c.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check validates a payload against the opcode's spec. Unknown fields are
// rejected; numbers outside [Min, Max] are rejected, never clamped.
func (c *Catalog) Check(command string, payload map[string]any) error {
	spec, ok := c.specs[command]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	known := make(map[string]Param, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = p
	}
	for field := range payload {
		if _, ok := known[field]; !ok {
			return fmt.Errorf("%w: unexpected field %q", ErrBadPayload, field)
		}
	}

	for _, p := range spec.Params {
		val, present := payload[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("%w: missing required field: %s", ErrBadPayload, p.Name)
			}
			continue
		}
		if err := p.check(val); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	return nil
}

func (p Param) check(val any) error {
	switch p.Kind {
	case Number:
		f, ok := ToFloat(val)
		if !ok {
			return fmt.Errorf("%s must be a number", p.Name)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%s must be finite", p.Name)
		}
		if f < p.Min || f > p.Max {
			return fmt.Errorf("%s=%g out of range [%g, %g]", p.Name, f, p.Min, p.Max)
		}
	case Bool:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("%s must be a bool", p.Name)
		}
	case String:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("%s must be a string", p.Name)
		}
	}
	return nil
}

// ToFloat converts the numeric types that reach a payload into a float64.
// JSON numbers arrive as float64.
func ToFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
