package firewall_manager

import (
	"reflect"
	"testing"

	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
)

func TestParseIPTablesJumpRule(t *testing.T) {
	tests := []struct {
		name     string
		spec     []string
		expected *IPTablesJumpRule
	}{
		{
			name:     "Jump to managed chain",
			spec:     []string{"-j", "IPTCTL-INPUT"},
			expected: &IPTablesJumpRule{Target: "IPTCTL-INPUT"},
		},
		{
			name: "Goto instead of jump",
			spec: []string{"-g", "IPTCTL-INPUT"},
		},
		{
			name: "Missing target",
			spec: []string{"-j"},
		},
		{
			name: "Empty target",
			spec: []string{"-j", ""},
		},
		{
			name: "Additional matches",
			spec: []string{"-i", "eth0", "-j", "IPTCTL-INPUT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ParseIPTablesJumpRule(tt.spec)
			if tt.expected == nil {
				if ok {
					t.Errorf("ParseIPTablesJumpRule() succeeded with %+v, expected failure", result)
				}
				return
			}
			if !ok {
				t.Fatalf("ParseIPTablesJumpRule() failed, expected success")
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ParseIPTablesJumpRule() = %+v, want %+v", result, tt.expected)
			}
		})
	}
}

func TestIPTablesJumpRule_RoundTrip(t *testing.T) {
	rule := &IPTablesJumpRule{Target: iptables.Chain("IPTCTL-POSTROUTING")}

	parsed, ok := ParseIPTablesJumpRule(rule.Spec())
	if !ok {
		t.Fatalf("Failed to parse generated spec")
	}
	if !reflect.DeepEqual(parsed, rule) {
		t.Errorf("Round trip failed: got %+v, want %+v", parsed, rule)
	}
}
