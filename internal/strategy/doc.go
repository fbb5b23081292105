// Package strategy defines the declarative strategy model and the artifacts the
// compiler produces from it.
//
// A StrategySpec is what an author writes: an ordered list of rules, each pairing a
// condition expression with an action, plus risk constraints, typed parameters,
// declared market inputs and the worker capabilities the strategy requires. Specs
// are usually loaded from YAML with ParseSpec, which records the source position
// of every field so that diagnostics can point at a line and column.
//
// # Expressions
//
// Conditions and action sizes are written in a small expression language:
//
//	sma_fast > sma_slow * $entry_threshold && !@cooldown
//
// A bare identifier names a declared input series, $name references a parameter
// and @name is true when the named rule fired earlier in the same evaluation
// pass. Operators are + - * / < <= > >= == != && || ! and unary minus; the
// builtins are min, max and abs. ParseExpr turns source text into an Expr tree
// whose String form is canonical, so formatting and redundant parentheses never
// change the compiled result.
//
// # Plans
//
// An ExecutionPlan is the compiled, immutable form of a spec. Its instructions use
// a closed set of resolved nodes (Const, Input, Fired, Apply), each annotated with
// its static type. A plan is identified by its Fingerprint, the sha256 of its
// canonical JSON encoding.
package strategy
