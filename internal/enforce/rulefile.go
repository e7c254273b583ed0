package enforce

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kiroku/internal/model"
)

// ruleFile is the YAML layout of a rule set:
//
//	rules:
//	  - id: scene-needs-script
//	    kind: required_outgoing
//	    from_entity_type: scene
//	    ...
type ruleFile struct {
	Rules []model.CrossLayerRule `yaml:"rules"`
}

// enabledFlags captures which rules set enabled explicitly; omitted means true.
type enabledFlags struct {
	Rules []struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"rules"`
}

// LoadRuleFile reads a YAML rule set from path.
func LoadRuleFile(path string) ([]model.CrossLayerRule, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("enforce: open rule file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseRules(f)
}

// ParseRules decodes a YAML rule set. Unknown keys, duplicate IDs and invalid
// rules are errors; every problem is reported.
func ParseRules(r io.Reader) ([]model.CrossLayerRule, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("enforce: read rules: %w", err)
	}

	var doc ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("enforce: parse rules: %w", err)
	}
	var flags enabledFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("enforce: parse rules: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(doc.Rules))
	for i := range doc.Rules {
		rule := &doc.Rules[i]
		rule.Enabled = flags.Rules[i].Enabled == nil || *flags.Rules[i].Enabled
		if seen[rule.ID] {
			errs = append(errs, fmt.Errorf("rule %q: duplicate id", rule.ID))
		}
		seen[rule.ID] = true
		if err := rule.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("enforce: invalid rules: %w", errors.Join(errs...))
	}
	return doc.Rules, nil
}
