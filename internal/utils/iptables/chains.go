package iptables

import (
	"strings"
)

// GetPolicy returns the default policy of a built-in chain, parsed from the
// "Chain INPUT (policy ACCEPT)" header of "-L".
func (ipt *IPTables) GetPolicy(table Table, chain Chain) (string, error) {
	if err := checkBuiltinChain(table, chain); err != nil {
		return "", err
	}

	stdout, err := ipt.run([]string{"-t", string(table), "-L", string(chain)})
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 3 && fields[0] == "Chain" && fields[1] == string(chain) {
			return strings.TrimSuffix(fields[3], ")"), nil
		}
	}

	return "", ErrPolicyNotFound
}

func (ipt *IPTables) SetPolicy(table Table, chain Chain, policy string) error {
	if err := checkBuiltinChain(table, chain); err != nil {
		return err
	}

	_, err := ipt.run([]string{"-t", string(table), "-P", string(chain), policy})
	return err
}

// Policies only exist on built-in chains, so the check is static and never
// asks iptables.
func checkBuiltinChain(table Table, chain Chain) error {
	chains, err := BuiltinChains(table)
	if err != nil {
		return err
	}
	if !chains.Contains(chain) {
		return ErrNotBuiltinChain
	}
	return nil
}

func (ipt *IPTables) ChainExists(table Table, chain Chain) (bool, error) {
	_, err := ipt.run([]string{"-t", string(table), "-L", string(chain)})
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListChains returns the names of all chains in table, built-in chains first.
func (ipt *IPTables) ListChains(table Table) ([]string, error) {
	lines, err := ipt.ListTable(table)
	if err != nil {
		return nil, err
	}

	chains := []string{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 1 && (fields[0] == "-P" || fields[0] == "-N") {
			chains = append(chains, fields[1])
		}
	}
	return chains, nil
}

func (ipt *IPTables) NewChain(table Table, chain Chain) error {
	_, err := ipt.run([]string{"-t", string(table), "-N", string(chain)})
	return err
}

// EnsureChain creates chain unless it exists and reports whether it existed.
func (ipt *IPTables) EnsureChain(table Table, chain Chain) (bool, error) {
	exists, err := ipt.ChainExists(table, chain)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	return false, ipt.NewChain(table, chain)
}

func (ipt *IPTables) DeleteChain(table Table, chain Chain) error {
	_, err := ipt.run([]string{"-t", string(table), "-X", string(chain)})
	return err
}

func (ipt *IPTables) FlushChain(table Table, chain Chain) error {
	_, err := ipt.run([]string{"-t", string(table), "-F", string(chain)})
	return err
}

func (ipt *IPTables) FlushTable(table Table) error {
	_, err := ipt.run([]string{"-t", string(table), "-F"})
	return err
}

func (ipt *IPTables) RenameChain(table Table, oldChain, newChain Chain) error {
	_, err := ipt.run([]string{"-t", string(table), "-E", string(oldChain), string(newChain)})
	return err
}
