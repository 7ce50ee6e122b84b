package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/config"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
)

// Scenario is a scripted treasury run.
type Scenario struct {
	Owners    []string `yaml:"owners"`
	Threshold int      `yaml:"threshold"`
	Deposit   uint64   `yaml:"deposit"`
	// Start is the RFC 3339 instant the simulated clock starts at.
	Start string `yaml:"start"`
	// PolicyFile is resolved relative to the scenario file.
	PolicyFile string    `yaml:"policy_file"`
	Policy     yaml.Node `yaml:"policy"`
	Steps      []Step    `yaml:"steps"`
}

// Step is one action. Expect is "ok" (the default) or a rejection reason
// such as "category_limit" or "time_lock".
type Step struct {
	Action       string `yaml:"action"`
	As           string `yaml:"as"`
	ID           string `yaml:"id"`
	Proposal     string `yaml:"proposal"`
	Recipient    string `yaml:"recipient"`
	Amount       uint64 `yaml:"amount"`
	Category     string `yaml:"category"`
	Description  string `yaml:"description"`
	Owner        string `yaml:"owner"`
	Threshold    int    `yaml:"threshold"`
	Duration     string `yaml:"duration"`
	Reason       string `yaml:"reason"`
	Expect       string `yaml:"expect"`
	ExpectStatus string `yaml:"expect_status"`
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	if len(s.Owners) == 0 {
		return nil, fmt.Errorf("scenario %s: no owners", path)
	}
	if s.PolicyFile != "" && !filepath.IsAbs(s.PolicyFile) {
		s.PolicyFile = filepath.Join(filepath.Dir(path), s.PolicyFile)
	}
	return &s, nil
}

func (s *Scenario) startTime() (time.Time, error) {
	if s.Start == "" {
		return time.Now().UTC().Truncate(time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("scenario start: %w", err)
	}
	return t.UTC(), nil
}

// policyParams returns the scenario policy. Without one, the defaults are
// used.
func (s *Scenario) policyParams() (policy.Params, error) {
	var doc *config.Document
	var err error
	switch {
	case s.PolicyFile != "":
		doc, err = config.LoadPolicyDocument(s.PolicyFile)
	case s.Policy.Kind != 0:
		var data []byte
		data, err = yaml.Marshal(&s.Policy)
		if err != nil {
			return policy.Params{}, err
		}
		doc, err = config.ParseDocument(data, config.FormatYAML)
	default:
		return policy.Params{}, nil
	}
	if err != nil {
		return policy.Params{}, err
	}
	return doc.Params()
}
