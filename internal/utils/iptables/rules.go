package iptables

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

func ruleArgs(table Table, op string, chain Chain, rule string, extra ...string) []string {
	args := append([]string{"-t", string(table), op, string(chain)}, extra...)
	return append(args, SplitQuoted(rule)...)
}

// Execute runs a free-form command (e.g. "-A INPUT -j ACCEPT") in table and
// returns its output.
func (ipt *IPTables) Execute(table Table, command string) ([]byte, error) {
	args := append([]string{"-t", string(table)}, SplitQuoted(command)...)
	return ipt.run(args)
}

// Exists reports whether rule is present in table/chain. Without --check
// support the chain is dumped and searched for the rule text instead.
func (ipt *IPTables) Exists(table Table, chain Chain, rule string) (bool, error) {
	if !ipt.hasCheck {
		return ipt.existsByDump(table, chain, rule)
	}

	_, err := ipt.run(ruleArgs(table, "-C", chain, rule))
	if err != nil {
		// 1: no such rule, 2: a referenced chain/target/match does not exist
		if isExitCode(err, 1, 2) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (ipt *IPTables) existsByDump(table Table, chain Chain, rule string) (bool, error) {
	stdout, err := ipt.run([]string{"-t", string(table), "-S", string(chain)})
	if err != nil {
		if IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return bytes.Contains(stdout, []byte(fmt.Sprintf("-A %s %s", chain, rule))), nil
}

func (ipt *IPTables) Insert(table Table, chain Chain, rule string, position int) error {
	if position < 1 {
		return ErrInvalidPosition
	}
	_, err := ipt.run(ruleArgs(table, "-I", chain, rule, strconv.Itoa(position)))
	return err
}

func (ipt *IPTables) InsertUnique(table Table, chain Chain, rule string, position int) error {
	exists, err := ipt.Exists(table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		return ErrRuleExists
	}
	return ipt.Insert(table, chain, rule, position)
}

func (ipt *IPTables) Replace(table Table, chain Chain, rule string, position int) error {
	if position < 1 {
		return ErrInvalidPosition
	}
	_, err := ipt.run(ruleArgs(table, "-R", chain, rule, strconv.Itoa(position)))
	return err
}

func (ipt *IPTables) Append(table Table, chain Chain, rule string) error {
	_, err := ipt.run(ruleArgs(table, "-A", chain, rule))
	return err
}

func (ipt *IPTables) AppendUnique(table Table, chain Chain, rule string) error {
	exists, err := ipt.Exists(table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		return ErrRuleExists
	}
	return ipt.Append(table, chain, rule)
}

// AppendReplace moves rule to the end of table/chain. The rule is briefly
// absent between the delete and the append.
func (ipt *IPTables) AppendReplace(table Table, chain Chain, rule string) error {
	exists, err := ipt.Exists(table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		if err := ipt.Delete(table, chain, rule); err != nil {
			return err
		}
	}
	return ipt.Append(table, chain, rule)
}

func (ipt *IPTables) Delete(table Table, chain Chain, rule string) error {
	_, err := ipt.run(ruleArgs(table, "-D", chain, rule))
	return err
}

// DeleteAll deletes rule until Exists reports it absent.
func (ipt *IPTables) DeleteAll(table Table, chain Chain, rule string) error {
	for {
		exists, err := ipt.Exists(table, chain, rule)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if err := ipt.Delete(table, chain, rule); err != nil {
			return err
		}
	}
}

// List returns the rules of table/chain in "-S" form, one line per entry.
func (ipt *IPTables) List(table Table, chain Chain) ([]string, error) {
	return ipt.listLines([]string{"-t", string(table), "-S", string(chain)})
}

func (ipt *IPTables) ListTable(table Table) ([]string, error) {
	return ipt.listLines([]string{"-t", string(table), "-S"})
}

// ListRuleSpecs returns the "-A" lines of table/chain split into arguments.
func (ipt *IPTables) ListRuleSpecs(table Table, chain Chain) ([][]string, error) {
	stdout, err := ipt.run([]string{"-t", string(table), "-S", string(chain)})
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	var rules [][]string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "-A ") {
			// Skip policies, chain declarations and comments
			continue
		}
		rule, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("error parsing rule %q: %w", line, err)
		}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}

func (ipt *IPTables) listLines(args []string) ([]string, error) {
	stdout, err := ipt.run(args)
	if err != nil {
		return nil, err
	}

	output := strings.TrimSpace(string(stdout))
	if output == "" {
		return []string{}, nil
	}
	return strings.Split(output, "\n"), nil
}
