package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ParseError represents a spec parsing error with source location information.
type ParseError struct {
	// Message is the human-readable error message
	Message string
	// File is the source file, if known
	File string
	// Line is the line number where the error occurred (1-indexed)
	Line int
	// Column is the column number where the error occurred (1-indexed)
	Column int
	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	prefix := "parse error"
	if e.File != "" {
		prefix = e.File
	}
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", prefix, e.Line, e.Column, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap returns the underlying error for error wrapping support
func (e *ParseError) Unwrap() error {
	return e.Err
}

// yamlSpecData mirrors the YAML layout of a strategy spec. Typed scalars that need
// exact handling are kept as nodes and converted afterwards.
type yamlSpecData struct {
	ID          string               `yaml:"id"`
	Version     int64                `yaml:"version"`
	Author      string               `yaml:"author"`
	Description string               `yaml:"description"`
	Rules       []Rule               `yaml:"rules"`
	Constraints []yamlConstraintData `yaml:"constraints"`
	Parameters  map[string]yaml.Node `yaml:"parameters"`
	Inputs      []string             `yaml:"inputs"`
	Requires    []string             `yaml:"requires"`
}

type yamlConstraintData struct {
	Kind   ConstraintKind `yaml:"kind"`
	Symbol string         `yaml:"symbol"`
	Min    *yaml.Node     `yaml:"min"`
	Max    *yaml.Node     `yaml:"max"`
}

// ParseSpecFile reads and parses a strategy spec from a YAML file.
func ParseSpecFile(path string) (*StrategySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return ParseSpec(data, path)
}

// ParseSpec parses a strategy spec from YAML bytes. The file name is only used
// for error messages and the source map.
//
// ParseSpec checks YAML syntax, field names and scalar types. Semantic checks such
// as reference resolution and constraint consistency are left to the compiler,
// which reports them as diagnostics pointing back into the source map.
func ParseSpec(data []byte, file string) (*StrategySpec, error) {
	// First pass: unmarshal into a yaml.Node to preserve position information
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Message: "invalid YAML syntax", File: file, Err: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &ParseError{Message: "spec document is empty", File: file}
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, &ParseError{
			Message: "spec must be a mapping",
			File:    file,
			Line:    root.Content[0].Line,
			Column:  root.Content[0].Column,
		}
	}

	// Second pass: strict decode into the data structure
	var raw yamlSpecData
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ParseError{Message: "failed to parse spec structure", File: file, Err: err}
	}

	src := NewSourceMap(file)
	recordPositions(src, "", root.Content[0])

	spec := &StrategySpec{
		ID:          raw.ID,
		Version:     raw.Version,
		Author:      raw.Author,
		Description: raw.Description,
		Rules:       raw.Rules,
		Inputs:      raw.Inputs,
		Requires:    raw.Requires,
		Source:      src,
	}

	if len(raw.Parameters) > 0 {
		spec.Parameters = make(map[string]Value, len(raw.Parameters))
		for name, node := range raw.Parameters {
			v, err := scalarValue(&node)
			if err != nil {
				return nil, &ParseError{
					Message: fmt.Sprintf("parameter %q", name),
					File:    file,
					Line:    node.Line,
					Column:  node.Column,
					Err:     err,
				}
			}
			spec.Parameters[name] = v
		}
	}

	for i, c := range raw.Constraints {
		constraint := RiskConstraint{Kind: c.Kind, Symbol: c.Symbol}
		for _, bound := range []struct {
			name string
			node *yaml.Node
			dst  **decimal.Decimal
		}{
			{"min", c.Min, &constraint.Min},
			{"max", c.Max, &constraint.Max},
		} {
			if bound.node == nil {
				continue
			}
			d, err := scalarDecimal(bound.node)
			if err != nil {
				return nil, &ParseError{
					Message: fmt.Sprintf("constraints[%d].%s", i, bound.name),
					File:    file,
					Line:    bound.node.Line,
					Column:  bound.node.Column,
					Err:     err,
				}
			}
			*bound.dst = &d
		}
		spec.Constraints = append(spec.Constraints, constraint)
	}

	return spec, nil
}

// scalarValue converts a YAML scalar into a typed Value using its resolved tag.
func scalarValue(node *yaml.Node) (Value, error) {
	if node.Kind != yaml.ScalarNode {
		return Value{}, fmt.Errorf("expected a scalar value")
	}
	switch node.ShortTag() {
	case "!!int", "!!float":
		return NumberFromString(node.Value)
	case "!!bool":
		b, err := cast.ToBoolE(node.Value)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case "!!str":
		return StringValue(node.Value), nil
	case "!!null":
		return Value{}, fmt.Errorf("value must not be null")
	}
	return Value{}, fmt.Errorf("unsupported scalar tag %s", node.ShortTag())
}

func scalarDecimal(node *yaml.Node) (decimal.Decimal, error) {
	v, err := scalarValue(node)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if v.Type != TypeNumber {
		return decimal.Decimal{}, fmt.Errorf("expected a number, got %s", v.Type)
	}
	return v.Num, nil
}

// recordPositions walks a YAML node tree and records the position of every value
// under its field path, e.g. "rules[1].then.size".
func recordPositions(src *SourceMap, path string, node *yaml.Node) {
	if path != "" {
		src.Set(path, Position{
			Line:   node.Line,
			Column: node.Column,
			Quoted: node.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) != 0,
		})
	}
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			child := key
			if path != "" {
				child = path + "." + key
			}
			recordPositions(src, child, node.Content[i+1])
		}
	case yaml.SequenceNode:
		for i, item := range node.Content {
			recordPositions(src, path+"["+strconv.Itoa(i)+"]", item)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			recordPositions(src, path, node.Alias)
		}
	}
}
