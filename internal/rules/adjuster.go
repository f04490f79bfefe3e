// Package rules turns a raw model score into an adjusted score and a risk
// classification. Everything here is a pure function of its inputs.
package rules

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// operation changes the running score when a step's predicate holds.
type operation func(decimal.Decimal) decimal.Decimal

func add(v string) operation {
	d := decimal.RequireFromString(v)
	return func(s decimal.Decimal) decimal.Decimal { return s.Add(d) }
}

func mul(v string) operation {
	d := decimal.RequireFromString(v)
	return func(s decimal.Decimal) decimal.Decimal { return s.Mul(d) }
}

// step is one row of the adjustment table.
type step struct {
	reason string
	expr   string
	op     operation
}

// adjustmentTable is applied top to bottom. The order is part of the
// contract: replays of historical decisions depend on it.
var adjustmentTable = []step{
	{domain.ReasonSensitiveCountry, `ip_country != "" && ip_country in sensitive_countries`, add("0.25")},
	{domain.ReasonLowAmount, `amount < min_amount_alert`, mul("0.5")},
	{domain.ReasonElectronics, `category.lowerAscii() == "electronics"`, add("0.30")},
	{domain.ReasonAmountOver8000, `amount > 8000.0`, add("0.50")},
	{domain.ReasonAmountOver2000, `amount > 2000.0 && amount <= 8000.0`, add("0.40")},
}

type compiledStep struct {
	step
	program cel.Program
}

// AppliedStep records one adjustment that fired.
type AppliedStep struct {
	Reason string `json:"reason"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Adjustment is the adjuster output.
type Adjustment struct {
	Score   decimal.Decimal
	Reasons []string
	Steps   []AppliedStep
}

// Adjuster applies the ordered business-rule adjustments to a model score.
// It is safe for concurrent use.
type Adjuster struct {
	env   *cel.Env
	steps []compiledStep
}

// NewAdjuster compiles the adjustment table.
func NewAdjuster() (*Adjuster, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("ip_country", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("sensitive_countries", cel.ListType(cel.StringType)),
		cel.Variable("min_amount_alert", cel.DoubleType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	a := &Adjuster{env: env}
	for _, s := range adjustmentTable {
		ast, issues := env.Compile(s.expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile step %s: %w", s.reason, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("step %s: predicate must return bool, got %s", s.reason, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for step %s: %w", s.reason, err)
		}
		a.steps = append(a.steps, compiledStep{step: s, program: prg})
	}
	return a, nil
}

// Adjust applies every matching step to rawScore and clamps the result to [0,1].
func (a *Adjuster) Adjust(rawScore float64, tx *domain.Transaction, cfg *domain.RuleConfig) (*Adjustment, error) {
	countries := cfg.SensitiveCountries
	if countries == nil {
		countries = []string{}
	}
	activation := map[string]any{
		"amount":              tx.Amount,
		"ip_country":          strings.ToUpper(tx.IPCountry),
		"category":            tx.Merchant.Category,
		"sensitive_countries": countries,
		"min_amount_alert":    cfg.MinAmountAlert,
	}

	score := decimal.NewFromFloat(rawScore)
	out := &Adjustment{Reasons: []string{}}

	for _, s := range a.steps {
		val, _, err := s.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("evaluate step %s: %w", s.reason, err)
		}
		if val != types.True {
			continue
		}
		next := s.op(score)
		out.Steps = append(out.Steps, AppliedStep{Reason: s.reason, Before: score.String(), After: next.String()})
		out.Reasons = append(out.Reasons, s.reason)
		score = next
	}

	if clamped := clamp(score); !clamped.Equal(score) {
		out.Steps = append(out.Steps, AppliedStep{Reason: domain.ReasonClamped, Before: score.String(), After: clamped.String()})
		out.Reasons = append(out.Reasons, domain.ReasonClamped)
		score = clamped
	}

	out.Score = score
	return out, nil
}

func clamp(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.LessThan(zero):
		return zero
	case d.GreaterThan(one):
		return one
	default:
		return d
	}
}
