package firewall_manager

import (
	"net/netip"
	"slices"
	"strings"
)

// IPTablesManagedRule is a rule tagged with "-m comment --comment <prefix>:<id>".
// iptables may move the comment behind address and protocol matches when
// listing, so the tag is searched for anywhere in the spec.
type IPTablesManagedRule struct {
	Prefix   string
	ID       string
	RuleSpec []string // Spec without the tag
}

func ParseIPTablesManagedRule(spec []string, prefix string) (*IPTablesManagedRule, bool) {
	tagPrefix := prefix + ":"

	for i := 0; i+3 < len(spec); i++ {
		if spec[i] != "-m" || spec[i+1] != "comment" || spec[i+2] != "--comment" {
			continue
		}
		id, ok := strings.CutPrefix(spec[i+3], tagPrefix)
		if !ok {
			continue // A comment not set by us
		}
		if !ruleIDPattern.MatchString(id) {
			return nil, false
		}

		rest := slices.Concat(spec[:i], spec[i+4:])
		if len(rest) == 0 {
			return nil, false // A tag alone is no rule
		}

		return &IPTablesManagedRule{
			Prefix:   prefix,
			ID:       id,
			RuleSpec: rest,
		}, true
	}

	return nil, false
}

func (r *IPTablesManagedRule) Spec() []string {
	return append([]string{"-m", "comment", "--comment", r.Prefix + ":" + r.ID}, r.RuleSpec...)
}

// Matches reports whether spec, as written in a rules file, describes this
// rule as listed by iptables.
func (r *IPTablesManagedRule) Matches(spec []string) bool {
	return slices.Equal(normalizeRuleSpec(r.RuleSpec), normalizeRuleSpec(spec))
}

var basicOptions = map[string]string{
	"-s":              "-s",
	"--source":        "-s",
	"-d":              "-d",
	"--destination":   "-d",
	"-i":              "-i",
	"--in-interface":  "-i",
	"-o":              "-o",
	"--out-interface": "-o",
	"-p":              "-p",
	"--protocol":      "-p",
}

var basicOptionOrder = []string{"-s", "-d", "-i", "-o", "-p"}

// normalizeRuleSpec brings spec into the form iptables lists rules in. Address,
// interface and protocol options move to the front, host addresses get a prefix
// length and the implicit match of the protocol is dropped.
func normalizeRuleSpec(spec []string) []string {
	basic := make(map[string][]string)
	var rest []string

	for i := 0; i < len(spec); i++ {
		j := i
		if spec[i] == "!" && i+1 < len(spec) {
			j++
		}
		opt, ok := basicOptions[spec[j]]
		if !ok || j+1 >= len(spec) {
			rest = append(rest, spec[i])
			continue
		}

		value := spec[j+1]
		if opt == "-s" || opt == "-d" {
			if addr, err := netip.ParseAddr(value); err == nil {
				value = netip.PrefixFrom(addr, addr.BitLen()).String()
			}
		}
		if j > i {
			basic[opt] = []string{"!", opt, value}
		} else {
			basic[opt] = []string{opt, value}
		}
		i = j + 1
	}

	var normalized []string
	for _, opt := range basicOptionOrder {
		normalized = append(normalized, basic[opt]...)
	}

	proto := ""
	if p := basic["-p"]; len(p) > 0 {
		proto = p[len(p)-1]
	}
	for i := 0; i < len(rest); i++ {
		if proto != "" && rest[i] == "-m" && i+1 < len(rest) && rest[i+1] == proto {
			i++
			continue
		}
		normalized = append(normalized, rest[i])
	}

	return normalized
}
