package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind is what a rule does when its condition holds.
type ActionKind string

const (
	ActionEnterLong  ActionKind = "enter_long"
	ActionEnterShort ActionKind = "enter_short"
	ActionExit       ActionKind = "exit"
	ActionScale      ActionKind = "scale"
	ActionHold       ActionKind = "hold"
)

// String returns the string representation of the action kind.
func (k ActionKind) String() string {
	return string(k)
}

// IsValid checks if the action kind is one of the defined kinds.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionEnterLong, ActionEnterShort, ActionExit, ActionScale, ActionHold:
		return true
	}
	return false
}

// RequiresSize reports whether actions of this kind must carry a size.
func (k ActionKind) RequiresSize() bool {
	switch k {
	case ActionEnterLong, ActionEnterShort, ActionScale:
		return true
	}
	return false
}

// ConstraintKind is the dimension a risk constraint bounds.
type ConstraintKind string

const (
	ConstraintExposure  ConstraintKind = "exposure"
	ConstraintPosition  ConstraintKind = "position"
	ConstraintLeverage  ConstraintKind = "leverage"
	ConstraintDrawdown  ConstraintKind = "drawdown"
	ConstraintOrderRate ConstraintKind = "order_rate"
)

// String returns the string representation of the constraint kind.
func (k ConstraintKind) String() string {
	return string(k)
}

// IsValid checks if the constraint kind is one of the defined kinds.
func (k ConstraintKind) IsValid() bool {
	switch k {
	case ConstraintExposure, ConstraintPosition, ConstraintLeverage, ConstraintDrawdown, ConstraintOrderRate:
		return true
	}
	return false
}

// StrategySpec is the declarative, author-written definition of a strategy.
// A spec is immutable once submitted; edits produce a new Version.
type StrategySpec struct {
	ID          string           `json:"id" yaml:"id"`
	Version     int64            `json:"version" yaml:"version"`
	Author      string           `json:"author,omitempty" yaml:"author,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Rules       []Rule           `json:"rules" yaml:"rules"`
	Constraints []RiskConstraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Parameters  map[string]Value `json:"parameters,omitempty" yaml:"-"`
	Inputs      []string         `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Requires    []string         `json:"requires,omitempty" yaml:"requires,omitempty"`

	// Source holds YAML positions when the spec was parsed from a file.
	Source *SourceMap `json:"-" yaml:"-"`
}

// Rule pairs a condition with an action. Rules are evaluated in plan order and a
// later rule may observe whether an earlier one fired through an @name reference.
type Rule struct {
	Name string `json:"name" yaml:"name"`
	When string `json:"when" yaml:"when"`
	Then Action `json:"then" yaml:"then"`
}

// Action describes the effect of a fired rule.
type Action struct {
	Kind   ActionKind `json:"kind" yaml:"kind"`
	Symbol string     `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Size   string     `json:"size,omitempty" yaml:"size,omitempty"`
}

// RiskConstraint bounds one risk dimension, optionally scoped to a symbol.
type RiskConstraint struct {
	Kind   ConstraintKind   `json:"kind" yaml:"kind"`
	Symbol string           `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Min    *decimal.Decimal `json:"min,omitempty" yaml:"-"`
	Max    *decimal.Decimal `json:"max,omitempty" yaml:"-"`
}

// Key identifies the constraint within a spec; two constraints with the same key
// are duplicates.
func (c RiskConstraint) Key() string {
	if c.Symbol == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s/%s", c.Kind, c.Symbol)
}

// RuleIndex returns the position of the named rule, or -1.
func (s *StrategySpec) RuleIndex(name string) int {
	for i := range s.Rules {
		if s.Rules[i].Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the spec. The source map is shared since it is
// never modified after parsing.
func (s *StrategySpec) Clone() *StrategySpec {
	if s == nil {
		return nil
	}
	out := *s
	out.Rules = append([]Rule(nil), s.Rules...)
	out.Inputs = append([]string(nil), s.Inputs...)
	out.Requires = append([]string(nil), s.Requires...)
	out.Constraints = make([]RiskConstraint, len(s.Constraints))
	for i, c := range s.Constraints {
		out.Constraints[i] = c
		if c.Min != nil {
			v := *c.Min
			out.Constraints[i].Min = &v
		}
		if c.Max != nil {
			v := *c.Max
			out.Constraints[i].Max = &v
		}
	}
	if s.Parameters != nil {
		out.Parameters = make(map[string]Value, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

// Position is a 1-indexed line and column in a YAML source file.
type Position struct {
	Line   int
	Column int
	// Quoted is set when the scalar at this position is quoted, so the content
	// begins one column after Column.
	Quoted bool
}

// SourceMap maps field paths such as "rules[2].when" to source positions.
type SourceMap struct {
	File      string
	positions map[string]Position
}

// NewSourceMap returns an empty source map for the named file.
func NewSourceMap(file string) *SourceMap {
	return &SourceMap{File: file, positions: make(map[string]Position)}
}

// Set records the position of a path.
func (m *SourceMap) Set(path string, pos Position) {
	m.positions[path] = pos
}

// Lookup returns the position recorded for path. A nil map finds nothing.
func (m *SourceMap) Lookup(path string) (Position, bool) {
	if m == nil {
		return Position{}, false
	}
	pos, ok := m.positions[path]
	return pos, ok
}

// Locate builds a diagnostic location for path, offset bytes into the scalar
// found there. Offsets are only applied when the path resolves.
func (m *SourceMap) Locate(path string, offset int) Location {
	loc := Location{Path: path}
	if pos, ok := m.Lookup(path); ok {
		loc.Line = pos.Line
		loc.Column = pos.Column + offset
		if pos.Quoted {
			loc.Column++
		}
	}
	return loc
}
