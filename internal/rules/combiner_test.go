package rules

import (
	"testing"

	"github.com/opensource-finance/shiftwatch/internal/domain"
)

func hits(codes ...string) []domain.RuleHit {
	out := make([]domain.RuleHit, len(codes))
	for i, c := range codes {
		out[i] = domain.RuleHit{Code: c, Severity: domain.SeverityMedium, Score: 10}
	}
	return out
}

func TestCombinerCreation(t *testing.T) {
	c, err := NewCombiner()
	if err != nil {
		t.Fatalf("failed to create combiner: %v", err)
	}
	if len(c.Rules()) != 0 {
		t.Errorf("expected 0 rules, got %d", len(c.Rules()))
	}

	out, err := c.Combine(hits(CodeRevenuePerHourLow))
	if err != nil || out != nil {
		t.Errorf("expected no output from empty combiner, got %v, %v", out, err)
	}
}

func TestCombinerValidate(t *testing.T) {
	c, _ := NewCombiner()

	tests := []struct {
		name    string
		rule    *CombinationRule
		wantErr bool
	}{
		{"Valid", &CombinationRule{ID: "r1", Code: "X", Expression: "'A' in codes"}, false},
		{"InvalidSyntax", &CombinationRule{ID: "r2", Code: "X", Expression: "this is not valid CEL !!!"}, true},
		{"NonBool", &CombinationRule{ID: "r3", Code: "X", Expression: "total + 1.0"}, true},
		{"UnknownVariable", &CombinationRule{ID: "r4", Code: "X", Expression: "amount > 1.0"}, true},
		{"MissingCode", &CombinationRule{ID: "r5", Expression: "true"}, true},
		{"Nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCombinerLoadKeepsPreviousOnError(t *testing.T) {
	c, err := NewDefaultCombiner()
	if err != nil {
		t.Fatalf("failed to create default combiner: %v", err)
	}
	before := len(c.Rules())

	err = c.Load([]*CombinationRule{
		{ID: "ok", Code: "OK", Expression: "true", Enabled: true},
		{ID: "bad", Code: "BAD", Expression: "codes +", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected load error")
	}
	if len(c.Rules()) != before {
		t.Errorf("expected %d rules to stay loaded, got %d", before, len(c.Rules()))
	}
}

func TestCombinerSkipsDisabled(t *testing.T) {
	c, _ := NewCombiner()
	err := c.Load([]*CombinationRule{
		{ID: "on", Code: "ON", Expression: "true", Enabled: true},
		{ID: "off", Code: "OFF", Expression: "true", Enabled: false},
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(c.Rules()) != 1 {
		t.Errorf("expected 1 rule, got %d", len(c.Rules()))
	}
}

func TestDefaultCombinations(t *testing.T) {
	c, err := NewDefaultCombiner()
	if err != nil {
		t.Fatalf("failed to create default combiner: %v", err)
	}

	tests := []struct {
		name string
		in   []domain.RuleHit
		want []string
	}{
		{"LowProductivity", hits(CodeRevenuePerHourLow, CodeRidesPerHourLow), []string{CodeComboLowProductivity}},
		{"OdometerTampering", hits(CodeKmAbsurdJump, CodeRevenuePerKmCritical), []string{CodeComboOdometerTampering}},
		{"ManipulatedRides", hits(CodeRepeatedRideValues, "BATCH_RIDE_INSERT"), []string{CodeComboManipulatedRides}},
		{"StackedMedium", hits("A", "B", "C"), []string{CodeComboStackedMedium}},
		{"SingleSignal", hits(CodeKmAbsurdJump), nil},
		{"NoHits", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Combine(tt.in)
			if err != nil {
				t.Fatalf("combine failed: %v", err)
			}
			if len(out) != len(tt.want) {
				t.Fatalf("expected %v, got %d hits", tt.want, len(out))
			}
			for i, code := range tt.want {
				if out[i].Code != code {
					t.Errorf("expected %s, got %s", code, out[i].Code)
				}
				if out[i].Score <= 0 {
					t.Errorf("expected positive score for %s", code)
				}
			}
		})
	}
}

func TestCombinerUsesTotal(t *testing.T) {
	c, _ := NewCombiner()
	err := c.Load([]*CombinationRule{{
		ID:         "total",
		Code:       "TOTAL_OVER_25",
		Expression: "total > 25.0 && count >= 3",
		Severity:   domain.SeverityHigh,
		Score:      5,
		Enabled:    true,
	}})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	out, _ := c.Combine(hits("A", "B"))
	if len(out) != 0 {
		t.Errorf("expected no escalation at total 20, got %d", len(out))
	}
	out, _ = c.Combine(hits("A", "B", "C"))
	if len(out) != 1 || out[0].Code != "TOTAL_OVER_25" {
		t.Errorf("expected escalation at total 30, got %v", out)
	}
}

func TestCombinerDoesNotMutateInput(t *testing.T) {
	c, _ := NewDefaultCombiner()
	in := hits(CodeRevenuePerHourLow, CodeRidesPerHourLow)

	if _, err := c.Combine(in); err != nil {
		t.Fatalf("combine failed: %v", err)
	}
	if len(in) != 2 || in[0].Code != CodeRevenuePerHourLow {
		t.Error("input hits were modified")
	}
}
