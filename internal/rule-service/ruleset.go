package rule_service

import (
	"fmt"
	"os"
	"strings"

	fm "github.com/gerolf-vent/iptctl/internal/firewall-manager"
	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
	"gopkg.in/yaml.v2"
)

// Ruleset is the desired firewall state read from a rules file.
type Ruleset struct {
	Policies []*fm.Policy
	Rules    map[string]*fm.Rule // Rules by ID
}

type rulesetFile struct {
	Policies []policyEntry `yaml:"policies"`
	Rules    []ruleEntry   `yaml:"rules"`
}

type policyEntry struct {
	Table  string `yaml:"table"`
	Chain  string `yaml:"chain"`
	Policy string `yaml:"policy"`
}

type ruleEntry struct {
	ID       string   `yaml:"id"`
	Table    string   `yaml:"table"`
	Chain    string   `yaml:"chain"`
	Rule     string   `yaml:"rule"`
	Position int      `yaml:"position"`
	Families []string `yaml:"families"`
}

func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	ruleset, err := ParseRuleset(data)
	if err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return ruleset, nil
}

func ParseRuleset(data []byte) (*Ruleset, error) {
	var file rulesetFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, err
	}

	ruleset := &Ruleset{
		Rules: make(map[string]*fm.Rule, len(file.Rules)),
	}

	seenPolicies := make(map[string]bool)
	for _, entry := range file.Policies {
		policy := &fm.Policy{
			Table:  parseTable(entry.Table),
			Chain:  iptables.Chain(entry.Chain),
			Policy: strings.ToUpper(entry.Policy),
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}

		key := string(policy.Table) + "/" + string(policy.Chain)
		if seenPolicies[key] {
			return nil, fmt.Errorf("duplicate policy for %s", key)
		}
		seenPolicies[key] = true

		ruleset.Policies = append(ruleset.Policies, policy)
	}

	for _, entry := range file.Rules {
		rule := &fm.Rule{
			ID:       entry.ID,
			Table:    parseTable(entry.Table),
			Chain:    iptables.Chain(entry.Chain),
			Spec:     entry.Rule,
			Position: entry.Position,
		}
		for _, family := range entry.Families {
			proto, err := parseFamily(family)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", entry.ID, err)
			}
			rule.Families = append(rule.Families, proto)
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}

		if _, exists := ruleset.Rules[rule.ID]; exists {
			return nil, fmt.Errorf("duplicate rule ID %q", rule.ID)
		}
		ruleset.Rules[rule.ID] = rule
	}

	return ruleset, nil
}

func parseTable(table string) iptables.Table {
	if table == "" {
		return iptables.TableFilter
	}
	return iptables.Table(strings.ToLower(table))
}

func parseFamily(family string) (iptables.Protocol, error) {
	switch strings.ToLower(family) {
	case "ipv4", "inet":
		return iptables.IPv4, nil
	case "ipv6", "inet6":
		return iptables.IPv6, nil
	default:
		return "", fmt.Errorf("unknown family %q", family)
	}
}
