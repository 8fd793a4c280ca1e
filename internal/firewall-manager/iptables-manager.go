package firewall_manager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
	"github.com/gerolf-vent/iptctl/internal/utils/set"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

var managedTables = []iptables.Table{
	iptables.TableFilter,
	iptables.TableNAT,
	iptables.TableMangle,
	iptables.TableRaw,
	iptables.TableSecurity,
}

// IPTablesManager installs rules into managed chains named "<prefix>-<chain>",
// one per built-in chain in use. Each managed chain is entered by a jump rule
// at the top of its built-in chain.
type IPTablesManager struct {
	prefix string               // Prefix of managed chains and rule tags
	ipts   []*iptables.IPTables // One iptables interface per protocol
	log    logr.Logger
}

func NewIPTablesManager(prefix string, ipts ...*iptables.IPTables) (*IPTablesManager, error) {
	if prefix == "" || strings.ContainsAny(prefix, " :") {
		return nil, fmt.Errorf("invalid chain prefix %q", prefix)
	}
	if len(ipts) == 0 {
		return nil, errors.New("at least one iptables interface is required")
	}

	return &IPTablesManager{
		prefix: prefix,
		ipts:   ipts,
		log:    ctrl.Log.WithName("firewall-manager"),
	}, nil
}

func (iptm *IPTablesManager) managedChain(chain iptables.Chain) iptables.Chain {
	return iptables.Chain(iptm.prefix + "-" + string(chain))
}

// builtinChainOf returns the built-in chain a managed chain belongs to.
func (iptm *IPTablesManager) builtinChainOf(table iptables.Table, managedChain string) (iptables.Chain, bool) {
	name, ok := strings.CutPrefix(managedChain, iptm.prefix+"-")
	if !ok {
		return "", false
	}
	chain := iptables.Chain(name)
	if !iptables.IsBuiltinChain(table, chain) {
		return "", false
	}
	return chain, true
}

func (iptm *IPTablesManager) Setup(policies []*Policy) error {
	var errs []error

	for _, ipt := range iptm.ipts {
		for _, policy := range policies {
			current, err := ipt.GetPolicy(policy.Table, policy.Chain)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to get %s %s/%s policy: %w", ipt.Protocol(), policy.Table, policy.Chain, err))
				continue
			}
			if current == policy.Policy {
				continue
			}

			iptm.log.Info("Setting chain policy", "protocol", ipt.Protocol(), "table", policy.Table, "chain", policy.Chain, "from", current, "to", policy.Policy)
			if err := ipt.SetPolicy(policy.Table, policy.Chain, policy.Policy); err != nil {
				errs = append(errs, fmt.Errorf("failed to set %s %s/%s policy: %w", ipt.Protocol(), policy.Table, policy.Chain, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (iptm *IPTablesManager) ensureManagedChain(ipt *iptables.IPTables, table iptables.Table, chain iptables.Chain) error {
	managedChain := iptm.managedChain(chain)

	if _, err := ipt.EnsureChain(table, managedChain); err != nil {
		return fmt.Errorf("failed to ensure %s %s chain %s: %w", ipt.Protocol(), table, managedChain, err)
	}

	jumpRule := IPTablesJumpRule{Target: managedChain}
	err := ipt.InsertUnique(table, chain, iptables.JoinRule(jumpRule.Spec()), 1)
	if err != nil && !errors.Is(err, iptables.ErrRuleExists) {
		return fmt.Errorf("failed to ensure %s %s/%s jump rule: %w", ipt.Protocol(), table, chain, err)
	}

	return nil
}

func (iptm *IPTablesManager) ReconcileRule(rule *Rule, present bool) error {
	if rule == nil {
		return nil
	}

	var errs []error

	for _, ipt := range iptm.ipts {
		managedChain := iptm.managedChain(rule.Chain)
		managedRule := IPTablesManagedRule{
			Prefix:   iptm.prefix,
			ID:       rule.ID,
			RuleSpec: iptables.SplitQuoted(rule.Spec),
		}
		spec := iptables.JoinRule(managedRule.Spec())
		isRuleID := func(r *IPTablesManagedRule) bool {
			return r != nil && r.ID == rule.ID
		}

		if !present || !rule.AppliesTo(ipt.Protocol()) {
			if err := ipt.DeleteAll(rule.Table, managedChain, spec); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s rule %s: %w", ipt.Protocol(), rule.ID, err))
				continue
			}
			// Older versions of the rule carry the same tag
			if err := iptm.deleteRules(ipt, rule.Table, managedChain, isRuleID); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if err := iptm.ensureManagedChain(ipt, rule.Table, rule.Chain); err != nil {
			errs = append(errs, err)
			continue
		}

		rules, err := ipt.ListRuleSpecs(rule.Table, managedChain)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s %s/%s rules: %w", ipt.Protocol(), rule.Table, managedChain, err))
			continue
		}
		var installed []*IPTablesManagedRule
		for _, listed := range rules {
			if r, ok := ParseIPTablesManagedRule(listed[2:], iptm.prefix); ok && r.ID == rule.ID {
				installed = append(installed, r)
			}
		}

		if len(installed) == 1 {
			var exists bool
			if ipt.HasCheck() {
				exists, err = ipt.Exists(rule.Table, managedChain, spec)
				if err != nil {
					errs = append(errs, fmt.Errorf("failed to check %s rule %s: %w", ipt.Protocol(), rule.ID, err))
					continue
				}
			} else {
				// Listed rules never equal the spec as written, so compare them normalized
				exists = installed[0].Matches(managedRule.RuleSpec)
			}
			if exists {
				continue
			}
		}

		// The rule changed, so replace whatever version is installed
		if err := iptm.deleteRules(ipt, rule.Table, managedChain, isRuleID); err != nil {
			errs = append(errs, err)
			continue
		}

		// A position beyond the end of the chain appends, the rules in front of
		// it may not be installed yet
		if remaining := len(rules) - len(installed); rule.Position > 0 && rule.Position <= remaining {
			err = ipt.Insert(rule.Table, managedChain, spec, rule.Position)
		} else {
			if rule.Position > 0 {
				iptm.log.V(1).Info("Rule position is beyond the end of the chain, appending", "protocol", ipt.Protocol(), "ruleID", rule.ID, "position", rule.Position, "length", remaining)
			}
			err = ipt.Append(rule.Table, managedChain, spec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to add %s rule %s: %w", ipt.Protocol(), rule.ID, err))
		}
	}

	return errors.Join(errs...)
}

// deleteRules deletes every rule in table/chain for which match returns true.
// Rules without a valid tag are passed to match as nil. A missing chain holds
// no rules.
func (iptm *IPTablesManager) deleteRules(ipt *iptables.IPTables, table iptables.Table, chain iptables.Chain, match func(*IPTablesManagedRule) bool) error {
	rules, err := ipt.ListRuleSpecs(table, chain)
	if err != nil {
		if iptables.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s %s/%s rules: %w", ipt.Protocol(), table, chain, err)
	}

	var errs []error
	for _, rule := range rules {
		spec := rule[2:] // Strip "-A <chain>"
		parsedRule, ok := ParseIPTablesManagedRule(spec, iptm.prefix)
		if !ok {
			parsedRule = nil
		}
		if !match(parsedRule) {
			continue
		}

		iptm.log.V(1).Info("Deleting rule", "protocol", ipt.Protocol(), "table", table, "chain", chain, "rule", spec)
		if err := ipt.Delete(table, chain, iptables.JoinRule(spec)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s %s/%s rule: %w", ipt.Protocol(), table, chain, err))
		}
	}

	return errors.Join(errs...)
}

// deleteJumpRules deletes every jump to target from the built-in chains of
// table, including duplicates and jumps placed in another built-in chain.
func (iptm *IPTablesManager) deleteJumpRules(ipt *iptables.IPTables, table iptables.Table, target iptables.Chain) error {
	chains, err := iptables.BuiltinChains(table)
	if err != nil {
		return err
	}

	var errs []error
	for _, chain := range set.Sorted(chains) {
		rules, err := ipt.ListRuleSpecs(table, chain)
		if err != nil {
			if iptables.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("failed to list %s %s/%s rules: %w", ipt.Protocol(), table, chain, err))
			continue
		}

		for _, rule := range rules {
			jumpRule, ok := ParseIPTablesJumpRule(rule[2:])
			if !ok || jumpRule.Target != target {
				continue
			}
			if err := ipt.Delete(table, chain, iptables.JoinRule(jumpRule.Spec())); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s %s/%s jump rule: %w", ipt.Protocol(), table, chain, err))
			}
		}
	}

	return errors.Join(errs...)
}

// listManagedChains returns the managed chains of table by their built-in
// chain. A table the kernel does not provide has none.
func (iptm *IPTablesManager) listManagedChains(ipt *iptables.IPTables, table iptables.Table) (map[iptables.Chain]iptables.Chain, error) {
	chains, err := ipt.ListChains(table)
	if err != nil {
		if code, ok := iptables.ExitStatus(err); ok && code == 3 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s %s chains: %w", ipt.Protocol(), table, err)
	}

	managedChains := make(map[iptables.Chain]iptables.Chain)
	for _, name := range chains {
		if chain, ok := iptm.builtinChainOf(table, name); ok {
			managedChains[chain] = iptables.Chain(name)
		}
	}
	return managedChains, nil
}

// CleanupRules deletes all rules in managed chains that do not belong to one
// of the given rules, including rules without a tag.
func (iptm *IPTablesManager) CleanupRules(rules map[string]*Rule) error {
	var errs []error

	for _, ipt := range iptm.ipts {
		for _, table := range managedTables {
			managedChains, err := iptm.listManagedChains(ipt, table)
			if err != nil {
				errs = append(errs, err)
				continue
			}

			for chain, managedChain := range managedChains {
				expectedIDs := set.New[string]()
				for _, rule := range rules {
					if rule.Table == table && rule.Chain == chain && rule.AppliesTo(ipt.Protocol()) {
						expectedIDs.Add(rule.ID)
					}
				}

				err := iptm.deleteRules(ipt, table, managedChain, func(r *IPTablesManagedRule) bool {
					return r == nil || !expectedIDs.Contains(r.ID)
				})
				if err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	return errors.Join(errs...)
}

// Cleanup removes all managed chains and their jump rules. Chain policies are
// left as they are.
func (iptm *IPTablesManager) Cleanup() error {
	var errs []error

	for _, ipt := range iptm.ipts {
		for _, table := range managedTables {
			managedChains, err := iptm.listManagedChains(ipt, table)
			if err != nil {
				errs = append(errs, err)
				continue
			}

			for _, managedChain := range managedChains {
				if err := iptm.deleteJumpRules(ipt, table, managedChain); err != nil {
					errs = append(errs, err)
					continue
				}

				if err := ipt.FlushChain(table, managedChain); err != nil {
					errs = append(errs, fmt.Errorf("failed to flush %s %s chain %s: %w", ipt.Protocol(), table, managedChain, err))
					continue
				}

				if err := ipt.DeleteChain(table, managedChain); err != nil {
					errs = append(errs, fmt.Errorf("failed to delete %s %s chain %s: %w", ipt.Protocol(), table, managedChain, err))
				}
			}
		}
	}

	return errors.Join(errs...)
}
