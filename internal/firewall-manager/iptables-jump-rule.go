package firewall_manager

import (
	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
)

type IPTablesJumpRule struct {
	Target iptables.Chain
}

func ParseIPTablesJumpRule(spec []string) (*IPTablesJumpRule, bool) {
	if len(spec) != 2 {
		return nil, false // Expected format is "-j <target>"
	}
	if spec[0] != "-j" || spec[1] == "" {
		return nil, false
	}
	return &IPTablesJumpRule{Target: iptables.Chain(spec[1])}, true
}

func (r *IPTablesJumpRule) Spec() []string {
	return []string{"-j", string(r.Target)}
}
