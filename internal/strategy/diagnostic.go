package strategy

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes emitted by the compiler.
const (
	CodeStructural             = "structural"
	CodeSyntax                 = "syntax_error"
	CodeUnresolvedReference    = "unresolved_reference"
	CodeRuleCycle              = "rule_cycle"
	CodeTypeMismatch           = "type_mismatch"
	CodeConstraintInconsistent = "constraint_inconsistent"
	CodeConstraintNegative     = "constraint_negative"
	CodeConstraintRange        = "constraint_out_of_range"
	CodeConstraintDuplicate    = "constraint_duplicate"
	CodeConstraintTight        = "constraint_tight"
	CodeHighLeverage           = "high_leverage"
	CodeSizeExceedsPosition    = "size_exceeds_position"
	CodeNoRules                = "no_rules"
	CodeUnusedParameter        = "unused_parameter"
	CodeUnusedInput            = "unused_input"
	CodeDivisionByZero         = "division_by_zero"
)

// Location points at the spec element a diagnostic is about. Line and Column are
// zero when the spec did not come from a file.
type Location struct {
	Path   string `json:"path"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// String formats the location as path:line:column, omitting unknown parts.
func (l Location) String() string {
	if l.Line == 0 {
		return l.Path
	}
	return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Column)
}

// Diagnostic is a single compiler finding.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

// Error implements the error interface so that diagnostics can be combined into
// a single error value.
func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s: %s [%s]", d.Location, d.Severity, d.Message, d.Code)
}

// IsError reports whether the diagnostic has error severity.
func (d Diagnostic) IsError() bool {
	return d.Severity == SeverityError
}

// Diagnostics is an ordered collection of compiler findings.
type Diagnostics []Diagnostic

// Errorf appends an error diagnostic.
func (ds *Diagnostics) Errorf(loc Location, code, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...), Location: loc})
}

// Warnf appends a warning diagnostic.
func (ds *Diagnostics) Warnf(loc Location, code, format string, args ...any) {
	*ds = append(*ds, Diagnostic{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...), Location: loc})
}

// HasErrors reports whether any diagnostic has error severity.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.IsError() {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func (ds Diagnostics) Errors() Diagnostics {
	return ds.filter(SeverityError)
}

// Warnings returns only the warning-severity diagnostics.
func (ds Diagnostics) Warnings() Diagnostics {
	return ds.filter(SeverityWarning)
}

func (ds Diagnostics) filter(sev Severity) Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

// WithCode returns the diagnostics carrying the given code.
func (ds Diagnostics) WithCode(code string) Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}

// Sort orders diagnostics by source position, then path, then code. Stages emit
// diagnostics in spec order already; sorting is for presentation.
func (ds Diagnostics) Sort() {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i].Location, ds[j].Location
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return ds[i].Code < ds[j].Code
	})
}

// Err combines the error diagnostics into one error, or returns nil when there
// are none. Warnings are never part of the returned error.
func (ds Diagnostics) Err() error {
	var err error
	for _, d := range ds {
		if d.IsError() {
			err = multierr.Append(err, d)
		}
	}
	return err
}
