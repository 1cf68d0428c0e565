package domain

import (
	"testing"
)

func TestDefaultRuleSetOrder(t *testing.T) {
	rules := DefaultRuleSet(0)

	expected := []string{Rule12s, Rule13s, Rule22s, RuleR4s, Rule41s, "10-x"}
	if len(rules.Rules) != len(expected) {
		t.Fatalf("Expected %d rules, got %d", len(expected), len(rules.Rules))
	}
	for i, id := range expected {
		if rules.Rules[i].ID != id {
			t.Errorf("Rule %d: expected %s, got %s", i, id, rules.Rules[i].ID)
		}
	}
	if rules.Rules[0].Severity != WARNING {
		t.Error("1-2s must be a warning rule")
	}
	for _, rule := range rules.Rules[1:] {
		if rule.Severity != REJECT {
			t.Errorf("%s must be a reject rule", rule.ID)
		}
	}
	if rules.HistoryWindow != DefaultHistoryWindow {
		t.Errorf("Expected window %d, got %d", DefaultHistoryWindow, rules.HistoryWindow)
	}
	if err := rules.Validate(); err != nil {
		t.Errorf("Default rule set should validate: %v", err)
	}
}

func TestDefaultRuleSetWidensWindowForLongRuns(t *testing.T) {
	rules := DefaultRuleSet(20)

	if rules.Rules[5].ID != "20-x" {
		t.Errorf("Expected 20-x, got %s", rules.Rules[5].ID)
	}
	if rules.HistoryWindow != 19 {
		t.Errorf("Expected window 19, got %d", rules.HistoryWindow)
	}
	if err := rules.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRuleSetValidate(t *testing.T) {
	tests := []struct {
		name  string
		rules RuleSet
		field string
	}{
		{
			name:  "empty",
			rules: RuleSet{HistoryWindow: 12},
			field: "rules",
		},
		{
			name: "window too small",
			rules: RuleSet{
				Rules:         []RuleSpec{{ID: "10-x", Kind: CONSECUTIVE_SAME_SIDE, Severity: REJECT, Params: RuleParams{Count: 10}}},
				HistoryWindow: 5,
			},
			field: "history_window",
		},
		{
			name: "window above cap",
			rules: RuleSet{
				Rules:         []RuleSpec{{ID: Rule13s, Kind: SINGLE_EXCEEDS, Severity: REJECT, Params: RuleParams{Threshold: 3}}},
				HistoryWindow: MaxHistoryWindow + 1,
			},
			field: "history_window",
		},
		{
			name: "unknown kind",
			rules: RuleSet{
				Rules:         []RuleSpec{{ID: "x", Kind: "zigzag", Severity: REJECT}},
				HistoryWindow: 12,
			},
			field: "rules.kind",
		},
		{
			name: "bad severity",
			rules: RuleSet{
				Rules:         []RuleSpec{{ID: "x", Kind: SINGLE_EXCEEDS, Severity: "fatal", Params: RuleParams{Threshold: 2}}},
				HistoryWindow: 12,
			},
			field: "rules.severity",
		},
		{
			name: "k above count",
			rules: RuleSet{
				Rules:         []RuleSpec{{ID: "2of3-2s", Kind: K_OF_N_SAME_SIDE, Severity: REJECT, Params: RuleParams{Threshold: 2, K: 4, Count: 3}}},
				HistoryWindow: 12,
			},
			field: "rules.params.k",
		},
		{
			name: "duplicate id",
			rules: RuleSet{
				Rules: []RuleSpec{
					{ID: Rule13s, Kind: SINGLE_EXCEEDS, Severity: REJECT, Params: RuleParams{Threshold: 3}},
					{ID: Rule13s, Kind: SINGLE_EXCEEDS, Severity: REJECT, Params: RuleParams{Threshold: 3}},
				},
				HistoryWindow: 12,
			},
			field: "rules.id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rules.Validate()
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
