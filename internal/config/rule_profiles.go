package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/labflow-qc-server/internal/domain"
)

// RuleProfiles is the parsed form of a rule profile file.
//
//	plausible_ranges:
//	  GLU: {min: 0, max: 2000}
//	profiles:
//	  GLU/glucose:
//	    mean_run_length: 8
//	  HBA1C:
//	    history_window: 12
//	    rules:
//	      - {id: 1-3s, kind: single_exceeds, severity: reject, params: {threshold: 3}}
type RuleProfiles struct {
	Profiles        map[string]domain.RuleSet
	PlausibleRanges map[string]domain.ValueRange
}

type ruleProfileFile struct {
	PlausibleRanges map[string]domain.ValueRange `yaml:"plausible_ranges"`
	Profiles        map[string]ruleProfileEntry  `yaml:"profiles"`
}

type ruleProfileEntry struct {
	MeanRunLength int               `yaml:"mean_run_length"`
	HistoryWindow int               `yaml:"history_window"`
	Rules         []domain.RuleSpec `yaml:"rules"`
}

// LoadRuleProfiles reads and validates a rule profile file. An empty path
// yields no profiles.
func LoadRuleProfiles(path string) (*RuleProfiles, error) {
	if path == "" {
		return &RuleProfiles{
			Profiles:        map[string]domain.RuleSet{},
			PlausibleRanges: map[string]domain.ValueRange{},
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule profiles: %w", err)
	}
	return ParseRuleProfiles(data)
}

// ParseRuleProfiles parses rule profile YAML.
func ParseRuleProfiles(data []byte) (*RuleProfiles, error) {
	var file ruleProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rule profiles: %w", err)
	}

	profiles := &RuleProfiles{
		Profiles:        make(map[string]domain.RuleSet, len(file.Profiles)),
		PlausibleRanges: make(map[string]domain.ValueRange, len(file.PlausibleRanges)),
	}

	for code, r := range file.PlausibleRanges {
		if r.Min > r.Max {
			return nil, fmt.Errorf("plausible range for %s: min %g above max %g", code, r.Min, r.Max)
		}
		profiles.PlausibleRanges[code] = r
	}

	for key, entry := range file.Profiles {
		var rules domain.RuleSet
		if len(entry.Rules) > 0 {
			rules = domain.RuleSet{Rules: entry.Rules, HistoryWindow: domain.DefaultHistoryWindow}
		} else {
			rules = domain.DefaultRuleSet(entry.MeanRunLength)
		}
		if entry.HistoryWindow > 0 {
			rules.HistoryWindow = entry.HistoryWindow
		}
		if err := rules.Validate(); err != nil {
			return nil, fmt.Errorf("rule profile %s: %w", key, err)
		}
		profiles.Profiles[key] = rules
	}

	return profiles, nil
}
