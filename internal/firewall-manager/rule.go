package firewall_manager

import (
	"cmp"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
	"github.com/gerolf-vent/iptctl/internal/utils/set"
)

// Rule IDs end up in a rule comment, so they are restricted to characters
// iptables prints without quoting.
var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,200}$`)

type Rule struct {
	ID       string              // Unique identifier, stored in the rule comment
	Table    iptables.Table      // Table of the rule
	Chain    iptables.Chain      // Built-in chain that jumps to the managed chain
	Spec     string              // Rule specification, e.g. "-p tcp --dport 22 -j ACCEPT"
	Position int                 // 1-based position in the managed chain, 0 appends
	Families []iptables.Protocol // Protocols the rule applies to, empty means all
}

func (r *Rule) AppliesTo(proto iptables.Protocol) bool {
	return len(r.Families) == 0 || slices.Contains(r.Families, proto)
}

func (r *Rule) Equals(other *Rule) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID == other.ID &&
		r.Table == other.Table &&
		r.Chain == other.Chain &&
		r.Spec == other.Spec &&
		r.Position == other.Position &&
		slices.Equal(r.Families, other.Families)
}

// OrderedRules returns rules in the order they should be installed: positioned
// rules by position, then the appended ones, each by ID. Installing in this
// order fills every managed chain front to back.
func OrderedRules(rules map[string]*Rule) []*Rule {
	return slices.SortedFunc(maps.Values(rules), func(a, b *Rule) int {
		if (a.Position == 0) != (b.Position == 0) {
			if a.Position == 0 {
				return 1
			}
			return -1
		}
		return cmp.Or(cmp.Compare(a.Position, b.Position), cmp.Compare(a.ID, b.ID))
	})
}

func (r *Rule) Validate() error {
	if !ruleIDPattern.MatchString(r.ID) {
		return fmt.Errorf("invalid rule ID %q", r.ID)
	}
	if err := validateBuiltinChain(r.Table, r.Chain); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if len(iptables.SplitQuoted(r.Spec)) == 0 {
		return fmt.Errorf("rule %s: rule specification must not be empty", r.ID)
	}
	if r.Position < 0 {
		return fmt.Errorf("rule %s: position must not be negative", r.ID)
	}
	for _, family := range r.Families {
		if family != iptables.IPv4 && family != iptables.IPv6 {
			return fmt.Errorf("rule %s: unknown family %q", r.ID, family)
		}
	}
	return nil
}

type Policy struct {
	Table  iptables.Table
	Chain  iptables.Chain
	Policy string // ACCEPT or DROP
}

func (p *Policy) Validate() error {
	if err := validateBuiltinChain(p.Table, p.Chain); err != nil {
		return err
	}
	switch p.Policy {
	case "ACCEPT", "DROP":
		return nil
	default:
		return fmt.Errorf("invalid policy %q for %s/%s", p.Policy, p.Table, p.Chain)
	}
}

func validateBuiltinChain(table iptables.Table, chain iptables.Chain) error {
	chains, err := iptables.BuiltinChains(table)
	if err != nil {
		return fmt.Errorf("table %q: %w", table, err)
	}
	if !chains.Contains(chain) {
		return fmt.Errorf("chain %q in table %s, expected one of %v: %w", chain, table, set.Sorted(chains), iptables.ErrNotBuiltinChain)
	}
	return nil
}
