package strategy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FingerprintPrefix prefixes every plan fingerprint.
const FingerprintPrefix = "sha256:"

// NodeKind discriminates resolved plan nodes.
type NodeKind string

const (
	// NodeConst is a folded constant.
	NodeConst NodeKind = "const"
	// NodeInput reads a market input series.
	NodeInput NodeKind = "input"
	// NodeFired is true when the named rule fired earlier in the pass.
	NodeFired NodeKind = "fired"
	// NodeApply applies an operator or builtin to its arguments.
	NodeApply NodeKind = "apply"
)

// Node is a resolved, statically typed expression. Parameter references no longer
// exist at this level: they have been replaced by constants.
type Node struct {
	Kind  NodeKind  `json:"kind"`
	Type  ValueType `json:"type"`
	Value *Value    `json:"value,omitempty"`
	Input string    `json:"input,omitempty"`
	Rule  string    `json:"rule,omitempty"`
	Op    string    `json:"op,omitempty"`
	Args  []*Node   `json:"args,omitempty"`
}

// ConstNode returns a constant node for v.
func ConstNode(v Value) *Node {
	return &Node{Kind: NodeConst, Type: v.Type, Value: &v}
}

// IsConst reports whether the node is a folded constant.
func (n *Node) IsConst() bool {
	return n != nil && n.Kind == NodeConst && n.Value != nil
}

// String renders the node in expression syntax.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case NodeConst:
		if n.Value == nil {
			return "<nil>"
		}
		return n.Value.Canonical()
	case NodeInput:
		return n.Input
	case NodeFired:
		return "@" + n.Rule
	case NodeApply:
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			args[i] = a.String()
		}
		switch {
		case n.Op == OpNot && len(args) == 1:
			return "!" + args[0]
		case n.Op == OpNeg && len(args) == 1:
			return "-" + args[0]
		case IsBinaryOp(n.Op) && len(args) == 2:
			return "(" + args[0] + " " + n.Op + " " + args[1] + ")"
		}
		return n.Op + "(" + strings.Join(args, ", ") + ")"
	}
	return "<invalid>"
}

// FiredRules returns the names of the rules this node observes, in first-seen order.
func (n *Node) FiredRules() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(*Node)
	walk = func(m *Node) {
		if m == nil {
			return
		}
		if m.Kind == NodeFired && !seen[m.Rule] {
			seen[m.Rule] = true
			out = append(out, m.Rule)
		}
		for _, a := range m.Args {
			walk(a)
		}
	}
	walk(n)
	return out
}

// ResolvedAction is an action whose size has been resolved and folded.
type ResolvedAction struct {
	Kind   ActionKind `json:"kind"`
	Symbol string     `json:"symbol,omitempty"`
	Size   *Node      `json:"size,omitempty"`
}

// Instruction is one compiled rule.
type Instruction struct {
	Index     int            `json:"index"`
	Rule      string         `json:"rule"`
	Condition *Node          `json:"condition"`
	Action    ResolvedAction `json:"action"`
	DependsOn []int          `json:"depends_on,omitempty"`
}

// Bound is one resolved risk constraint.
type Bound struct {
	Kind   ConstraintKind   `json:"kind"`
	Symbol string           `json:"symbol,omitempty"`
	Min    *decimal.Decimal `json:"min,omitempty"`
	Max    *decimal.Decimal `json:"max,omitempty"`
}

// RiskEnvelope is the set of bounds a worker must enforce while running the plan.
// Bounds are sorted by kind, then symbol, with the global bound of a kind first.
type RiskEnvelope struct {
	Bounds []Bound `json:"bounds"`
}

// Lookup finds the bound for kind and symbol, falling back to the global bound of
// that kind when no symbol-scoped bound exists.
func (r RiskEnvelope) Lookup(kind ConstraintKind, symbol string) (Bound, bool) {
	var global *Bound
	for i := range r.Bounds {
		b := &r.Bounds[i]
		if b.Kind != kind {
			continue
		}
		if b.Symbol == symbol {
			return *b, true
		}
		if b.Symbol == "" {
			global = b
		}
	}
	if global != nil {
		return *global, true
	}
	return Bound{}, false
}

// ExecutionPlan is the compiled, immutable form of a strategy spec. It is
// identified solely by its fingerprint; spec id, author and version are kept by
// the registry as lineage.
type ExecutionPlan struct {
	Fingerprint     string        `json:"fingerprint"`
	CompilerVersion string        `json:"compiler_version"`
	Instructions    []Instruction `json:"instructions"`
	Risk            RiskEnvelope  `json:"risk"`
	Requires        []string      `json:"requires"`
	Inputs          []string      `json:"inputs"`

	// Canonical is the exact byte sequence the fingerprint was computed over.
	Canonical []byte `json:"-"`
}

// planBody is the hashed part of a plan. Field order is part of the canonical
// encoding and must not change without bumping the plan format.
type planBody struct {
	CompilerVersion string        `json:"compiler_version"`
	Instructions    []Instruction `json:"instructions"`
	Risk            RiskEnvelope  `json:"risk"`
	Requires        []string      `json:"requires"`
	Inputs          []string      `json:"inputs"`
}

func (p *ExecutionPlan) body() planBody {
	b := planBody{
		CompilerVersion: p.CompilerVersion,
		Instructions:    p.Instructions,
		Risk:            p.Risk,
		Requires:        p.Requires,
		Inputs:          p.Inputs,
	}
	if b.Instructions == nil {
		b.Instructions = []Instruction{}
	}
	if b.Risk.Bounds == nil {
		b.Risk.Bounds = []Bound{}
	}
	if b.Requires == nil {
		b.Requires = []string{}
	}
	if b.Inputs == nil {
		b.Inputs = []string{}
	}
	return b
}

// CanonicalBytes encodes the plan body in its canonical JSON form.
func (p *ExecutionPlan) CanonicalBytes() ([]byte, error) {
	data, err := json.Marshal(p.body())
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	return data, nil
}

// Fingerprint returns the fingerprint of canonical plan bytes.
func Fingerprint(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}

// Seal computes the canonical bytes and fingerprint of the plan. The plan must
// not be modified afterwards.
func (p *ExecutionPlan) Seal() error {
	canonical, err := p.CanonicalBytes()
	if err != nil {
		return err
	}
	p.Canonical = canonical
	p.Fingerprint = Fingerprint(canonical)
	return nil
}

// Verify checks that the plan's canonical bytes match its content and hash to
// its fingerprint.
func (p *ExecutionPlan) Verify() error {
	canonical, err := p.CanonicalBytes()
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, p.Canonical) {
		return fmt.Errorf("plan %s: canonical bytes do not match content", p.Fingerprint)
	}
	if got := Fingerprint(canonical); got != p.Fingerprint {
		return fmt.Errorf("plan fingerprint mismatch: recorded %s, computed %s", p.Fingerprint, got)
	}
	return nil
}

// DecodePlan rebuilds a plan from its canonical bytes and verifies it against the
// expected fingerprint.
func DecodePlan(fingerprint string, canonical []byte) (*ExecutionPlan, error) {
	var body planBody
	if err := json.Unmarshal(canonical, &body); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", fingerprint, err)
	}
	plan := &ExecutionPlan{
		Fingerprint:     fingerprint,
		CompilerVersion: body.CompilerVersion,
		Instructions:    body.Instructions,
		Risk:            body.Risk,
		Requires:        body.Requires,
		Inputs:          body.Inputs,
		Canonical:       append([]byte(nil), canonical...),
	}
	if err := plan.Verify(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Instruction returns the instruction compiled from the named rule.
func (p *ExecutionPlan) Instruction(rule string) (Instruction, bool) {
	for _, in := range p.Instructions {
		if in.Rule == rule {
			return in, true
		}
	}
	return Instruction{}, false
}
