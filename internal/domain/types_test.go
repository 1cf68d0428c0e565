package domain

import (
	"math"
	"testing"
)

func TestDecisionConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    Decision
		expected string
	}{
		{"Accept", ACCEPT, "accept"},
		{"Warn", WARN, "warn"},
		{"Reject", REJECT_RUN, "reject"},
		{"Indeterminate", INDETERMINATE, "indeterminate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
		})
	}

	if Decision("hold").IsValid() {
		t.Error("Unknown decision should be invalid")
	}
}

func TestSeverityConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    Severity
		expected string
	}{
		{"Warning", WARNING, "warning"},
		{"Reject", REJECT, "reject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
		})
	}
}

func TestControlGroupKeyRoundTrip(t *testing.T) {
	group := ControlGroup{TestCode: "GLU", Analyte: "glucose", ControlLevel: "1", LotNumber: "L2291"}

	if group.Key() != "GLU|glucose|1|L2291" {
		t.Fatalf("Unexpected key %s", group.Key())
	}

	parsed, err := ParseControlGroup(group.Key())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if parsed != group {
		t.Errorf("Expected %+v, got %+v", group, parsed)
	}

	if _, err := ParseControlGroup("GLU|glucose"); err == nil {
		t.Error("Expected error for malformed key")
	}
}

func TestControlGroupValidate(t *testing.T) {
	tests := []struct {
		name  string
		group ControlGroup
		field string
	}{
		{"missing test code", ControlGroup{Analyte: "a", ControlLevel: "1", LotNumber: "x"}, "test_code"},
		{"missing analyte", ControlGroup{TestCode: "t", ControlLevel: "1", LotNumber: "x"}, "analyte"},
		{"missing level", ControlGroup{TestCode: "t", Analyte: "a", LotNumber: "x"}, "control_level"},
		{"missing lot", ControlGroup{TestCode: "t", Analyte: "a", ControlLevel: "1"}, "lot_number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.group.Validate()
			validationErr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, validationErr.Field)
			}
		})
	}
}

func TestRunningStatsHelpers(t *testing.T) {
	stats := RunningStats{Mean: 95, SD: 5, N: 20}

	if cv := stats.CV(); math.Abs(cv-5.2631578947) > 1e-9 {
		t.Errorf("Unexpected CV %f", cv)
	}
	if z := stats.ZScore(111); math.Abs(z-3.2) > 1e-12 {
		t.Errorf("Expected z 3.2, got %f", z)
	}
	lower, upper := stats.Limits(2)
	if lower != 85 || upper != 105 {
		t.Errorf("Expected limits 85..105, got %f..%f", lower, upper)
	}
	if (RunningStats{Mean: 0, SD: 1}).CV() != 0 {
		t.Error("CV of a zero mean should be 0")
	}
}

func TestMeasurementIsFinite(t *testing.T) {
	if !(Measurement{Value: 1.5}).IsFinite() {
		t.Error("1.5 should be finite")
	}
	if (Measurement{Value: math.NaN()}).IsFinite() {
		t.Error("NaN should not be finite")
	}
	if (Measurement{Value: math.Inf(-1)}).IsFinite() {
		t.Error("-Inf should not be finite")
	}
}

func TestRunVerdictHelpers(t *testing.T) {
	verdict := RunVerdict{
		Group:          ControlGroup{TestCode: "GLU", Analyte: "glucose", ControlLevel: "1", LotNumber: "L1"},
		SequenceNumber: 7,
		Violations: []RuleViolation{
			{RuleID: Rule12s, Severity: WARNING},
			{RuleID: Rule13s, Severity: REJECT},
		},
		Decision: REJECT_RUN,
	}

	ids := verdict.RuleIDs()
	if len(ids) != 2 || ids[0] != Rule12s || ids[1] != Rule13s {
		t.Errorf("Unexpected rule ids %v", ids)
	}
	if !verdict.HasRule(Rule13s) || verdict.HasRule(Rule22s) {
		t.Error("HasRule returned the wrong answer")
	}
	fields := verdict.LogFields()
	if fields["rules"] != "1-2s,1-3s" || fields["decision"] != "reject" {
		t.Errorf("Unexpected log fields %v", fields)
	}
}
