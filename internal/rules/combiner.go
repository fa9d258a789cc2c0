package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/shiftwatch/internal/domain"
)

// Combination rule codes shipped by default.
const (
	CodeComboLowProductivity   = "COMBO_LOW_PRODUCTIVITY"
	CodeComboOdometerTampering = "COMBO_ODOMETER_TAMPERING"
	CodeComboManipulatedRides  = "COMBO_MANIPULATED_RIDES"
	CodeComboStackedMedium     = "COMBO_STACKED_MEDIUM"
)

// CombinationRule escalates a set of base hits into one extra hit.
//
// Expression is CEL evaluated against:
//
//	codes      list(string)     distinct codes of the base hits
//	total      double           summed score of the base hits
//	count      int              number of base hits
//	severities map(string, int) hit count per severity
type CombinationRule struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Label       string          `json:"label"`
	Description string          `json:"description"`
	Expression  string          `json:"expression"`
	Severity    domain.Severity `json:"severity"`
	Score       float64         `json:"score"`
	Enabled     bool            `json:"enabled"`
}

type compiledCombination struct {
	rule    *CombinationRule
	program cel.Program
}

// Combiner evaluates combination rules over the base hits of a pass.
type Combiner struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*compiledCombination
}

// NewCombiner creates a combiner with no rules loaded.
func NewCombiner() (*Combiner, error) {
	env, err := cel.NewEnv(
		cel.Variable("codes", cel.ListType(cel.StringType)),
		cel.Variable("total", cel.DoubleType),
		cel.Variable("count", cel.IntType),
		cel.Variable("severities", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Combiner{env: env}, nil
}

// NewDefaultCombiner creates a combiner loaded with DefaultCombinationRules.
func NewDefaultCombiner() (*Combiner, error) {
	c, err := NewCombiner()
	if err != nil {
		return nil, err
	}
	if err := c.Load(DefaultCombinationRules()); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate compiles a rule without loading it.
func (c *Combiner) Validate(rule *CombinationRule) error {
	if rule == nil {
		return fmt.Errorf("combination rule is required")
	}
	_, err := c.compile(rule)
	return err
}

// Load replaces the loaded rules. Disabled rules are skipped. On error the
// previous set stays in place.
func (c *Combiner) Load(rules []*CombinationRule) error {
	compiled := make([]*compiledCombination, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		cr, err := c.compile(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// Rules returns the loaded rules in evaluation order.
func (c *Combiner) Rules() []*CombinationRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*CombinationRule, 0, len(c.rules))
	for _, cr := range c.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Combine returns the escalation hits triggered by hits. The input is not
// modified. A rule whose evaluation fails is reported in the error and the
// remaining rules still run.
func (c *Combiner) Combine(hits []domain.RuleHit) ([]domain.RuleHit, error) {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	if len(rules) == 0 || len(hits) == 0 {
		return nil, nil
	}

	activation := activationFor(hits)

	var (
		out      []domain.RuleHit
		firstErr error
	)
	for _, cr := range rules {
		val, _, err := cr.program.Eval(activation)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("combination rule %s: %w", cr.rule.ID, err)
			}
			continue
		}
		if !isTrue(val) {
			continue
		}
		out = append(out, domain.RuleHit{
			Code:        cr.rule.Code,
			Label:       cr.rule.Label,
			Description: cr.rule.Description,
			Severity:    cr.rule.Severity,
			Score:       cr.rule.Score,
			Confidence:  0.7,
			Evidence: map[string]any{
				"combinationRule": cr.rule.ID,
				"matchedCodes":    activation["codes"],
			},
		})
	}
	return out, firstErr
}

func (c *Combiner) compile(rule *CombinationRule) (*compiledCombination, error) {
	if rule.Code == "" {
		return nil, fmt.Errorf("combination rule %s: code is required", rule.ID)
	}
	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile combination rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("combination rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for combination rule %s: %w", rule.ID, err)
	}
	return &compiledCombination{rule: rule, program: program}, nil
}

func activationFor(hits []domain.RuleHit) map[string]any {
	seen := make(map[string]struct{}, len(hits))
	codes := make([]string, 0, len(hits))
	severities := map[string]int64{
		string(domain.SeverityLow):      0,
		string(domain.SeverityMedium):   0,
		string(domain.SeverityHigh):     0,
		string(domain.SeverityCritical): 0,
	}
	var total float64
	for _, h := range hits {
		total += h.Score
		severities[string(h.Severity)]++
		if _, ok := seen[h.Code]; ok {
			continue
		}
		seen[h.Code] = struct{}{}
		codes = append(codes, h.Code)
	}
	sort.Strings(codes)

	return map[string]any{
		"codes":      codes,
		"total":      total,
		"count":      int64(len(hits)),
		"severities": severities,
	}
}

func isTrue(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}

// DefaultCombinationRules returns the built-in escalations.
func DefaultCombinationRules() []*CombinationRule {
	return []*CombinationRule{
		{
			ID:          "combo-001",
			Code:        CodeComboLowProductivity,
			Label:       "Low productivity pattern",
			Description: "low revenue per hour together with few rides per hour",
			Expression:  `'REVENUE_PER_HOUR_LOW' in codes && 'RIDES_PER_HOUR_LOW' in codes`,
			Severity:    domain.SeverityHigh,
			Score:       10,
			Enabled:     true,
		},
		{
			ID:          "combo-002",
			Code:        CodeComboOdometerTampering,
			Label:       "Odometer tampering pattern",
			Description: "odometer discontinuity together with an abnormal revenue per km",
			Expression: `('KM_WENT_BACKWARD' in codes || 'KM_ABSURD_JUMP' in codes) &&
				('REVENUE_PER_KM_CRITICAL' in codes || 'REVENUE_PER_KM_LOW' in codes || 'REVENUE_PER_KM_HIGH' in codes)`,
			Severity: domain.SeverityCritical,
			Score:    20,
			Enabled:  true,
		},
		{
			ID:          "combo-003",
			Code:        CodeComboManipulatedRides,
			Label:       "Manipulated ride log",
			Description: "repeated ride values together with suspicious ride edits",
			Expression: `'REPEATED_RIDE_VALUES' in codes &&
				('RIDE_EDITED_AFTER_CLOSE' in codes || 'BATCH_RIDE_INSERT' in codes || 'RIDE_DELETE_RECREATE' in codes)`,
			Severity: domain.SeverityCritical,
			Score:    20,
			Enabled:  true,
		},
		{
			ID:          "combo-004",
			Code:        CodeComboStackedMedium,
			Label:       "Stacked medium signals",
			Description: "three or more medium-severity signals on one shift",
			Expression:  `severities['medium'] >= 3`,
			Severity:    domain.SeverityHigh,
			Score:       10,
			Enabled:     true,
		},
	}
}
