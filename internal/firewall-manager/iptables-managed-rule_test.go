package firewall_manager

import (
	"reflect"
	"testing"

	"github.com/gerolf-vent/iptctl/internal/utils/iptables"
)

func TestParseIPTablesManagedRule_Valid(t *testing.T) {
	tests := []struct {
		name     string
		spec     []string
		expected *IPTablesManagedRule
	}{
		{
			name: "Tag in front",
			spec: []string{"-m", "comment", "--comment", "IPTCTL:ssh", "-p", "tcp", "--dport", "22", "-j", "ACCEPT"},
			expected: &IPTablesManagedRule{
				Prefix:   "IPTCTL",
				ID:       "ssh",
				RuleSpec: []string{"-p", "tcp", "--dport", "22", "-j", "ACCEPT"},
			},
		},
		{
			name: "Tag moved behind protocol match",
			spec: []string{"-p", "tcp", "-m", "comment", "--comment", "IPTCTL:ssh", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"},
			expected: &IPTablesManagedRule{
				Prefix:   "IPTCTL",
				ID:       "ssh",
				RuleSpec: []string{"-p", "tcp", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"},
			},
		},
		{
			name: "Foreign comment is kept",
			spec: []string{"-m", "comment", "--comment", "allow web", "-m", "comment", "--comment", "IPTCTL:web.v2", "-j", "ACCEPT"},
			expected: &IPTablesManagedRule{
				Prefix:   "IPTCTL",
				ID:       "web.v2",
				RuleSpec: []string{"-m", "comment", "--comment", "allow web", "-j", "ACCEPT"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ParseIPTablesManagedRule(tt.spec, "IPTCTL")
			if !ok {
				t.Fatalf("ParseIPTablesManagedRule() failed, expected success")
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ParseIPTablesManagedRule() = %+v, want %+v", result, tt.expected)
			}
		})
	}
}

func TestParseIPTablesManagedRule_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec []string
	}{
		{
			name: "No tag",
			spec: []string{"-p", "tcp", "-j", "ACCEPT"},
		},
		{
			name: "Other prefix",
			spec: []string{"-m", "comment", "--comment", "OTHER:ssh", "-j", "ACCEPT"},
		},
		{
			name: "Empty ID",
			spec: []string{"-m", "comment", "--comment", "IPTCTL:", "-j", "ACCEPT"},
		},
		{
			name: "Invalid ID",
			spec: []string{"-m", "comment", "--comment", "IPTCTL:a b", "-j", "ACCEPT"},
		},
		{
			name: "Tag only",
			spec: []string{"-m", "comment", "--comment", "IPTCTL:ssh"},
		},
		{
			name: "Missing comment value",
			spec: []string{"-j", "ACCEPT", "-m", "comment", "--comment"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ParseIPTablesManagedRule(tt.spec, "IPTCTL")
			if ok {
				t.Errorf("ParseIPTablesManagedRule() succeeded with %+v, expected failure", result)
			}
		})
	}
}

func TestIPTablesManagedRule_RoundTrip(t *testing.T) {
	rule := &IPTablesManagedRule{
		Prefix:   "IPTCTL",
		ID:       "dns",
		RuleSpec: []string{"-p", "udp", "--dport", "53", "-j", "ACCEPT"},
	}

	expected := []string{"-m", "comment", "--comment", "IPTCTL:dns", "-p", "udp", "--dport", "53", "-j", "ACCEPT"}
	if spec := rule.Spec(); !reflect.DeepEqual(spec, expected) {
		t.Errorf("Spec() = %v, want %v", spec, expected)
	}

	parsed, ok := ParseIPTablesManagedRule(rule.Spec(), "IPTCTL")
	if !ok {
		t.Fatalf("Failed to parse generated spec")
	}
	if !reflect.DeepEqual(parsed, rule) {
		t.Errorf("Round trip failed: got %+v, want %+v", parsed, rule)
	}
}

func TestIPTablesManagedRule_Matches(t *testing.T) {
	tests := []struct {
		name   string
		listed []string
		spec   string
		want   bool
	}{
		{
			name:   "Identical",
			listed: []string{"-p", "tcp", "--dport", "22", "-j", "ACCEPT"},
			spec:   "-p tcp --dport 22 -j ACCEPT",
			want:   true,
		},
		{
			name:   "Implicit protocol match",
			listed: []string{"-p", "tcp", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"},
			spec:   "-p tcp --dport 22 -j ACCEPT",
			want:   true,
		},
		{
			name:   "Basic options moved to the front",
			listed: []string{"-s", "10.0.0.0/8", "-i", "eth0", "-p", "udp", "-m", "udp", "--dport", "53", "-j", "ACCEPT"},
			spec:   "-p udp -i eth0 --dport 53 --source 10.0.0.0/8 -j ACCEPT",
			want:   true,
		},
		{
			name:   "Host address",
			listed: []string{"-d", "192.0.2.1/32", "-j", "DROP"},
			spec:   "-d 192.0.2.1 -j DROP",
			want:   true,
		},
		{
			name:   "IPv6 host address",
			listed: []string{"-s", "2001:db8::1/128", "-j", "DROP"},
			spec:   "-s 2001:db8::1 -j DROP",
			want:   true,
		},
		{
			name:   "Negated address",
			listed: []string{"!", "-s", "10.0.0.0/8", "-j", "DROP"},
			spec:   "! -s 10.0.0.0/8 -j DROP",
			want:   true,
		},
		{
			name:   "Negation differs",
			listed: []string{"!", "-s", "10.0.0.0/8", "-j", "DROP"},
			spec:   "-s 10.0.0.0/8 -j DROP",
			want:   false,
		},
		{
			name:   "Port differs",
			listed: []string{"-p", "tcp", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"},
			spec:   "-p tcp --dport 2222 -j ACCEPT",
			want:   false,
		},
		{
			name:   "Target differs",
			listed: []string{"-p", "tcp", "-m", "tcp", "--dport", "22", "-j", "ACCEPT"},
			spec:   "-p tcp --dport 22 -j DROP",
			want:   false,
		},
		{
			name:   "Other matches keep their order",
			listed: []string{"-m", "conntrack", "--ctstate", "NEW", "-m", "limit", "--limit", "5/min", "-j", "LOG"},
			spec:   "-m limit --limit 5/min -m conntrack --ctstate NEW -j LOG",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &IPTablesManagedRule{Prefix: "IPTCTL", ID: "test", RuleSpec: tt.listed}
			if got := rule.Matches(iptables.SplitQuoted(tt.spec)); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.spec, got, tt.want)
			}
		})
	}
}
