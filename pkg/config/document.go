package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/fault"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/policy"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/threshold"
	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/timelock"
)

// SupportedVersions is the range of policy document versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://treasury.schemas.local/policy.schema.json"

//go:embed policy.schema.json
var policySchema string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	return s, nil
})

// Format is a policy document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. JSON is read as YAML.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported policy document extension %q", filepath.Ext(path))
}

// TierDoc is a signature tier. A missing max_amount is unbounded.
type TierDoc struct {
	MaxAmount *uint64 `yaml:"max_amount,omitempty" toml:"max_amount,omitempty"`
	Required  int     `yaml:"required" toml:"required"`
}

// TimeLockDoc overrides individual time-lock parameters.
type TimeLockDoc struct {
	BaseHours     *uint64 `yaml:"base_hours,omitempty" toml:"base_hours,omitempty"`
	AmountDivisor *uint64 `yaml:"amount_divisor,omitempty" toml:"amount_divisor,omitempty"`
	MaxHours      *uint64 `yaml:"max_hours,omitempty" toml:"max_hours,omitempty"`
}

// WhitelistEntry allows a recipient, optionally until an RFC 3339 instant.
type WhitelistEntry struct {
	Recipient string `yaml:"recipient" toml:"recipient"`
	Expires   string `yaml:"expires,omitempty" toml:"expires,omitempty"`
}

// Document is a policy file. A features block replaces the default
// features entirely.
type Document struct {
	Version        string                   `yaml:"version" toml:"version"`
	Name           string                   `yaml:"name,omitempty" toml:"name,omitempty"`
	Global         policy.Limits            `yaml:"global,omitempty" toml:"global,omitempty"`
	CategoryLimits map[string]policy.Limits `yaml:"category_limits,omitempty" toml:"category_limits,omitempty"`
	Categories     []string                 `yaml:"categories,omitempty" toml:"categories,omitempty"`
	Tiers          []TierDoc                `yaml:"tiers,omitempty" toml:"tiers,omitempty"`
	TimeLock       *TimeLockDoc             `yaml:"time_lock,omitempty" toml:"time_lock,omitempty"`
	Features       *policy.Features         `yaml:"features,omitempty" toml:"features,omitempty"`
	Emergency      *policy.EmergencyConfig  `yaml:"emergency,omitempty" toml:"emergency,omitempty"`
	Rules          []policy.Rule            `yaml:"rules,omitempty" toml:"rules,omitempty"`
	Whitelist      []WhitelistEntry         `yaml:"whitelist,omitempty" toml:"whitelist,omitempty"`
	Blacklist      []string                 `yaml:"blacklist,omitempty" toml:"blacklist,omitempty"`
	MaxPendingAge  string                   `yaml:"max_pending_age,omitempty" toml:"max_pending_age,omitempty"`
}

// LoadPolicyDocument reads, schema-validates and version-checks a policy
// file.
func LoadPolicyDocument(path string) (*Document, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}
	doc, err := ParseDocument(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument decodes data, validates it against the policy schema and
// checks the document version. Failures wrap fault.ErrInvalidPolicyConfig.
func ParseDocument(data []byte, format Format) (*Document, error) {
	var raw map[string]any
	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fault.Invalidf("decode yaml: %v", err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fault.Invalidf("decode yaml: %v", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fault.Invalidf("decode toml: %v", err)
		}
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fault.Invalidf("decode toml: %v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy document format %q", format)
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := CheckVersion(doc.Version); err != nil {
		return nil, err
	}
	return &doc, nil
}

func validateSchema(raw map[string]any) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fault.Invalidf("policy document is not representable as JSON: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fault.Invalidf("policy document: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fault.Invalidf("policy schema validation failed: %v", err)
	}
	return nil
}

// CheckVersion rejects document versions outside SupportedVersions.
func CheckVersion(version string) error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("invalid supported version constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fault.Invalidf("invalid policy document version %q: %v", version, err)
	}
	if !constraint.Check(v) {
		return fault.Invalidf("policy document version %s is outside %s", v, SupportedVersions)
	}
	return nil
}

// Params converts the document into policy parameters.
func (d *Document) Params() (policy.Params, error) {
	p := policy.Params{
		Global:         d.Global,
		CategoryLimits: d.CategoryLimits,
		Categories:     d.Categories,
		Features:       d.Features,
		Emergency:      d.Emergency,
		Rules:          d.Rules,
		Blacklist:      d.Blacklist,
	}

	for _, t := range d.Tiers {
		bound := threshold.Unbounded
		if t.MaxAmount != nil {
			bound = *t.MaxAmount
		}
		p.Tiers = append(p.Tiers, threshold.Tier{MaxAmount: bound, Required: t.Required})
	}

	if d.TimeLock != nil {
		tl := timelock.DefaultParams()
		if d.TimeLock.BaseHours != nil {
			tl.BaseHours = *d.TimeLock.BaseHours
		}
		if d.TimeLock.AmountDivisor != nil {
			tl.AmountDivisor = *d.TimeLock.AmountDivisor
		}
		if d.TimeLock.MaxHours != nil {
			tl.MaxHours = *d.TimeLock.MaxHours
		}
		p.TimeLock = &tl
	}

	if len(d.Whitelist) > 0 {
		p.Whitelist = make(map[string]time.Time, len(d.Whitelist))
		for _, w := range d.Whitelist {
			var expiry time.Time
			if w.Expires != "" {
				t, err := time.Parse(time.RFC3339, w.Expires)
				if err != nil {
					return policy.Params{}, fault.Invalidf("whitelist %s: expires: %v", w.Recipient, err)
				}
				expiry = t
			}
			p.Whitelist[w.Recipient] = expiry
		}
	}

	if d.MaxPendingAge != "" {
		age, err := time.ParseDuration(d.MaxPendingAge)
		if err != nil {
			return policy.Params{}, fault.Invalidf("max_pending_age: %v", err)
		}
		p.MaxPendingAge = age
	}
	return p, nil
}
