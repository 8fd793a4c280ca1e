package firewall_manager

type FirewallManager interface {
	Setup(policies []*Policy) error
	ReconcileRule(rule *Rule, present bool) error
	CleanupRules(rules map[string]*Rule) error
	Cleanup() error
}
