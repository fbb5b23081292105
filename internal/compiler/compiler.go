// Package compiler turns strategy specs into validated, fingerprinted execution plans.
//
// Compilation runs four stages over a spec: normalize, resolve, validate constraints,
// and fold-and-emit. Each stage reports problems as diagnostics instead of failing
// fast; only structural problems found while normalizing stop the pipeline early.
// A compilation with any error diagnostic produces no plan. The compiler is pure:
// it never mutates the spec and holds no state between calls, so a single Compiler
// may be shared by any number of goroutines.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zero-day-ai/stratagem/internal/strategy"
	"github.com/zero-day-ai/stratagem/internal/types"
	"github.com/zero-day-ai/stratagem/pkg/version"
)

const (
	// DefaultParallelism bounds CompileAll when no parallelism is configured.
	DefaultParallelism = 4
)

var (
	// DefaultTightBoundRatio is the (max-min)/max ratio below which a bound is reported as very tight.
	DefaultTightBoundRatio = decimal.RequireFromString("0.01")
	// DefaultMaxLeverageWarning is the leverage above which a warning is reported.
	DefaultMaxLeverageWarning = decimal.NewFromInt(10)
)

// Result is the outcome of compiling one spec. Plan is nil whenever Diagnostics
// contains an error.
type Result struct {
	StrategyID  string
	SpecVersion int64
	Plan        *strategy.ExecutionPlan
	Diagnostics strategy.Diagnostics
	Duration    time.Duration
}

// OK reports whether the compilation produced a plan.
func (r *Result) OK() bool {
	return r != nil && r.Plan != nil
}

// Err returns a COMPILATION_FAILED error carrying the error diagnostics, or nil
// when a plan was produced.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return types.WrapError(types.COMPILATION_FAILED,
		fmt.Sprintf("strategy %q version %d did not compile", r.StrategyID, r.SpecVersion),
		r.Diagnostics.Err())
}

// Compiler compiles strategy specs.
type Compiler struct {
	tightBoundRatio    decimal.Decimal
	maxLeverageWarning decimal.Decimal
	parallelism        int
	compilerVersion    string
	logger             *slog.Logger
	tracer             trace.Tracer
}

// Option is a functional option for configuring the Compiler.
type Option func(*Compiler)

// WithTightBoundRatio sets the ratio below which (max-min)/max is reported as a tight bound.
func WithTightBoundRatio(ratio float64) Option {
	return func(c *Compiler) {
		if ratio > 0 {
			c.tightBoundRatio = decimal.NewFromFloat(ratio)
		}
	}
}

// WithMaxLeverageWarning sets the leverage ceiling above which a warning is reported.
func WithMaxLeverageWarning(ceiling float64) Option {
	return func(c *Compiler) {
		if ceiling > 0 {
			c.maxLeverageWarning = decimal.NewFromFloat(ceiling)
		}
	}
}

// WithParallelism bounds the number of concurrent compilations in CompileAll.
// Default: 4
func WithParallelism(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithCompilerVersion overrides the version tag hashed into every plan.
func WithCompilerVersion(v string) Option {
	return func(c *Compiler) {
		if v != "" {
			c.compilerVersion = v
		}
	}
}

// WithLogger sets the logger for compiler operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer used for compilation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Compiler) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New creates a Compiler.
func New(opts ...Option) *Compiler {
	c := &Compiler{
		tightBoundRatio:    DefaultTightBoundRatio,
		maxLeverageWarning: DefaultMaxLeverageWarning,
		parallelism:        DefaultParallelism,
		compilerVersion:    version.CompilerTag(),
		logger:             slog.Default().With("component", "compiler"),
		tracer:             otel.Tracer("github.com/zero-day-ai/stratagem/internal/compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the compiler version tag hashed into plans.
func (c *Compiler) Version() string {
	return c.compilerVersion
}

// Compile compiles a single spec. It never returns nil.
func (c *Compiler) Compile(ctx context.Context, spec *strategy.StrategySpec) *Result {
	start := time.Now()
	result := &Result{}
	if spec != nil {
		result.StrategyID = spec.ID
		result.SpecVersion = spec.Version
	}

	_, span := c.tracer.Start(ctx, "compiler.Compile",
		trace.WithAttributes(
			attribute.String("strategy.id", result.StrategyID),
			attribute.Int64("strategy.version", result.SpecVersion),
		))
	defer span.End()

	u := c.run(spec)
	result.Plan = u.plan
	result.Diagnostics = u.diags
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("compiler.errors", len(u.diags.Errors())),
		attribute.Int("compiler.warnings", len(u.diags.Warnings())),
	)
	if result.OK() {
		span.SetAttributes(attribute.String("plan.fingerprint", result.Plan.Fingerprint))
		c.logger.Debug("compiled strategy",
			"strategy_id", result.StrategyID,
			"version", result.SpecVersion,
			"fingerprint", result.Plan.Fingerprint,
			"instructions", len(result.Plan.Instructions),
			"warnings", len(u.diags.Warnings()),
			"duration", result.Duration,
		)
	} else {
		span.SetStatus(codes.Error, "compilation failed")
		c.logger.Debug("strategy did not compile",
			"strategy_id", result.StrategyID,
			"version", result.SpecVersion,
			"errors", len(u.diags.Errors()),
		)
	}
	return result
}

// CompileAll compiles specs concurrently, bounded by the configured parallelism,
// and returns results in input order. It only fails when ctx is cancelled.
func (c *Compiler) CompileAll(ctx context.Context, specs []*strategy.StrategySpec) ([]*Result, error) {
	results := make([]*Result, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.Compile(gctx, spec)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compilation cancelled: %w", err)
	}
	return results, nil
}

// run executes the stages in order.
func (c *Compiler) run(spec *strategy.StrategySpec) *unit {
	u := newUnit(spec)
	if spec == nil {
		u.diags.Errorf(strategy.Location{Path: "spec"}, strategy.CodeStructural, "spec is missing")
		return u
	}

	u.normalize()
	if u.diags.HasErrors() {
		return u
	}

	u.resolve()
	u.validateConstraints(c.tightBoundRatio, c.maxLeverageWarning)
	u.fold()
	u.checkSizes()
	if u.diags.HasErrors() {
		return u
	}

	u.emit(c.compilerVersion)
	return u
}
