package rule_service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"time"

	fm "github.com/gerolf-vent/iptctl/internal/firewall-manager"
	ctrl "sigs.k8s.io/controller-runtime"
)

type RuleService struct {
	sync.Mutex

	rulesFile              string        // Path of the YAML rules file
	reconciliationInterval time.Duration // Interval for reloading, garbage collection and reconciliation

	// Desired state, as last applied
	policies []*fm.Policy
	rules    map[string]*fm.Rule

	firewallManager fm.FirewallManager // Interface to manage firewall rules
}

func New(rulesFile string, reconciliationInterval time.Duration, firewallManager fm.FirewallManager) (*RuleService, error) {
	if reconciliationInterval <= 0 {
		return nil, fmt.Errorf("reconciliation interval must be positive, got %s", reconciliationInterval)
	}
	if firewallManager == nil {
		return nil, errors.New("firewall manager must not be nil")
	}

	return &RuleService{
		rulesFile:              rulesFile,
		reconciliationInterval: reconciliationInterval,
		rules:                  make(map[string]*fm.Rule),
		firewallManager:        firewallManager,
	}, nil
}

func (rs *RuleService) Start(ctx context.Context) error {
	logger := ctrl.LoggerFrom(ctx)
	logger.Info("Starting rule service", "rulesFile", rs.rulesFile)

	ruleset, err := LoadRuleset(rs.rulesFile)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	if err := rs.Apply(ctx, ruleset); err != nil {
		// Retried by the next reconciliation
		logger.Error(err, "Failed to apply rules")
	}

	// Periodically run reconciliation to ensure the rules are up-to-date
	ticker := time.NewTicker(rs.reconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping rule service")
			return nil
		case <-ticker.C:
			rs.reconcile(ctx)
		}
	}
}

func (rs *RuleService) reconcile(ctx context.Context) {
	logger := ctrl.LoggerFrom(ctx)

	// Pick up changes of the rules file, keeping the last good ruleset otherwise
	ruleset, err := LoadRuleset(rs.rulesFile)
	if err != nil {
		logger.Error(err, "Failed to reload rules, keeping previous rules")
	} else if err := rs.Apply(ctx, ruleset); err != nil {
		logger.Error(err, "Failed to apply rules")
	}

	rs.Lock()
	defer rs.Unlock()

	logger.Info("Running reconciliation for rule service")

	// Setup firewall manager again
	if err := rs.firewallManager.Setup(rs.policies); err != nil {
		logger.Error(err, "Failed to setup firewall manager")
	}

	// Garbage collect rules that are no longer present
	if err := rs.firewallManager.CleanupRules(rs.rules); err != nil {
		logger.Error(err, "Failed to cleanup rules")
	}

	// Reconcile all rules
	for _, rule := range fm.OrderedRules(rs.rules) {
		if err := rs.firewallManager.ReconcileRule(rule, true); err != nil {
			logger.Error(err, "Failed to reconcile rule", "ruleID", rule.ID)
		}
	}
}

// Apply makes ruleset the desired state and reconciles the rules and
// policies that differ from the previous one.
func (rs *RuleService) Apply(ctx context.Context, ruleset *Ruleset) error {
	rs.Lock()
	defer rs.Unlock()

	logger := ctrl.LoggerFrom(ctx)
	var errs []error

	if !reflect.DeepEqual(rs.policies, ruleset.Policies) {
		logger.Info("Updating chain policies", "count", len(ruleset.Policies))
		if err := rs.firewallManager.Setup(ruleset.Policies); err != nil {
			errs = append(errs, fmt.Errorf("failed to apply policies: %w", err))
		}
		rs.policies = ruleset.Policies
	}

	for _, oldRule := range fm.OrderedRules(rs.rules) {
		id := oldRule.ID
		if _, exists := ruleset.Rules[id]; exists {
			continue
		}
		logger.Info("Removing rule", "ruleID", id)
		if err := rs.firewallManager.ReconcileRule(oldRule, false); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove rule %s: %w", id, err))
		}
		delete(rs.rules, id)
	}

	for _, rule := range fm.OrderedRules(ruleset.Rules) {
		id := rule.ID
		oldRule, exists := rs.rules[id]
		if exists && oldRule.Equals(rule) {
			continue
		}

		if exists {
			// The old rule may live in another chain or at another position
			logger.Info("Updating rule", "ruleID", id)
			if err := rs.firewallManager.ReconcileRule(oldRule, false); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove old version of rule %s: %w", id, err))
			}
		} else {
			logger.Info("Adding rule", "ruleID", id)
		}

		if err := rs.firewallManager.ReconcileRule(rule, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to reconcile rule %s: %w", id, err))
		}
		rs.rules[id] = rule
	}

	return errors.Join(errs...)
}

// Rules returns a copy of the desired rules by ID.
func (rs *RuleService) Rules() map[string]*fm.Rule {
	rs.Lock()
	defer rs.Unlock()

	return maps.Clone(rs.rules)
}
