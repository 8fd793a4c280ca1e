// Package iptablestest provides a fake iptables binary for tests.
//
// The fake is the test binary itself: a package's TestMain calls RunIfFake
// before m.Run, and New points the code under test at os.Executable(). Table
// state lives in a JSON file, so it survives across invocations like the
// kernel tables would.
package iptablestest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

const (
	envState     = "IPTABLESTEST_STATE"
	envVersion   = "IPTABLESTEST_VERSION"
	envLog       = "IPTABLESTEST_LOG"
	envInflight  = "IPTABLESTEST_INFLIGHT"
	envCanonical = "IPTABLESTEST_CANONICAL"

	// Exit code used when two invocations overlap while overlap detection is on
	ExitOverlap = 99
)

var builtinChains = map[string][]string{
	"filter":   {"INPUT", "FORWARD", "OUTPUT"},
	"nat":      {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
	"mangle":   {"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"},
	"raw":      {"PREROUTING", "OUTPUT"},
	"security": {"INPUT", "FORWARD", "OUTPUT"},
}

// RunIfFake turns the current process into the fake binary when it was started
// by code under test, and exits. Otherwise it returns immediately.
func RunIfFake() {
	if os.Getenv(envState) == "" {
		return
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type Fake struct {
	t         testing.TB
	dir       string
	statePath string
	logPath   string

	// Command is the path to pass to iptables.NewWithCommand
	Command string
}

// New sets up an empty fake reporting "iptables v<version>". It sets process
// environment variables, so tests using it cannot run in parallel.
func New(t testing.TB, version string) *Fake {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}

	dir := t.TempDir()
	f := &Fake{
		t:         t,
		dir:       dir,
		statePath: filepath.Join(dir, "state.json"),
		logPath:   filepath.Join(dir, "calls.log"),
		Command:   exe,
	}

	t.Setenv(envState, f.statePath)
	t.Setenv(envVersion, version)
	t.Setenv(envLog, f.logPath)

	return f
}

// LockPath returns a lock file location private to this fake.
func (f *Fake) LockPath() string {
	return filepath.Join(f.dir, "xtables.lock")
}

// DetectOverlap makes every invocation hold a marker for a short while and
// fail with ExitOverlap if another invocation holds it already.
func (f *Fake) DetectOverlap() {
	f.t.Setenv(envInflight, filepath.Join(f.dir, "inflight"))
}

// Canonicalize makes the fake store rules the way iptables prints them back:
// address, interface and protocol options first, host addresses with a prefix
// length and implicit protocol matches spelled out. Rules given to -C and -D
// are compared in that form.
func (f *Fake) Canonicalize() {
	f.t.Setenv(envCanonical, "1")
}

// Calls returns the argument lists of all invocations so far, joined by spaces.
func (f *Fake) Calls() []string {
	f.t.Helper()

	data, err := os.ReadFile(f.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		f.t.Fatalf("failed to read call log: %v", err)
	}

	var calls []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		calls = append(calls, scanner.Text())
	}
	return calls
}

// CountCalls counts invocations whose arguments contain all of the given words.
func (f *Fake) CountCalls(words ...string) int {
	count := 0
	for _, call := range f.Calls() {
		args := strings.Fields(call)
		matches := true
		for _, w := range words {
			if !slices.Contains(args, w) {
				matches = false
				break
			}
		}
		if matches {
			count++
		}
	}
	return count
}

func (f *Fake) ResetCalls() {
	if err := os.Remove(f.logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.t.Fatalf("failed to reset call log: %v", err)
	}
}

// Rules returns the rules of table/chain as stored by the fake.
func (f *Fake) Rules(table, chain string) [][]string {
	f.t.Helper()

	st, err := loadState(f.statePath)
	if err != nil {
		f.t.Fatalf("failed to load fake state: %v", err)
	}
	c := st.chain(table, chain)
	if c == nil {
		return nil
	}
	return c.Rules
}

type fakeChain struct {
	Name    string     `json:"name"`
	Builtin bool       `json:"builtin"`
	Policy  string     `json:"policy,omitempty"`
	Rules   [][]string `json:"rules"`
}

type fakeState struct {
	Tables map[string][]*fakeChain `json:"tables"`
}

func defaultState() *fakeState {
	st := &fakeState{Tables: make(map[string][]*fakeChain)}
	for table, chains := range builtinChains {
		for _, name := range chains {
			st.Tables[table] = append(st.Tables[table], &fakeChain{Name: name, Builtin: true, Policy: "ACCEPT"})
		}
	}
	return st
}

func loadState(path string) (*fakeState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultState(), nil
	} else if err != nil {
		return nil, err
	}

	st := &fakeState{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *fakeState) save(path string) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (st *fakeState) chain(table, name string) *fakeChain {
	for _, c := range st.Tables[table] {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (st *fakeState) references(table, name string) int {
	refs := 0
	for _, c := range st.Tables[table] {
		for _, rule := range c.Rules {
			for i := 0; i+1 < len(rule); i++ {
				if (rule[i] == "-j" || rule[i] == "-g") && rule[i+1] == name {
					refs++
				}
			}
		}
	}
	return refs
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

var (
	errNoChain   = &exitError{1, "iptables: No chain/target/match by that name."}
	errBadRule   = &exitError{1, "iptables: Bad rule (does a matching rule exist in that chain?)."}
	errExists    = &exitError{1, "iptables: Chain already exists."}
	errNotEmpty  = &exitError{1, "iptables: Directory not empty."}
	errInUse     = &exitError{1, "iptables: Too many links."}
	errBadPolicy = &exitError{1, "iptables: Bad built-in chain name."}
	errBuiltin   = &exitError{2, "iptables: Invalid argument. Run `dmesg' for more information."}
	errIndex     = &exitError{1, "iptables: Index of insertion too big."}
	errReplace   = &exitError{1, "iptables: Replacement failed."}
	errUsage     = &exitError{2, "iptables: bad argument. Try `iptables -h' or 'iptables --help' for more information."}
)

func run(args []string, stdout, stderr io.Writer) int {
	logCall(args)

	if marker := os.Getenv(envInflight); marker != "" {
		if err := os.Mkdir(marker, 0o700); err != nil {
			fmt.Fprintln(stderr, "iptablestest: overlapping invocation detected")
			return ExitOverlap
		}
		defer os.Remove(marker)
		time.Sleep(20 * time.Millisecond)
	}

	args = slices.DeleteFunc(slices.Clone(args), func(a string) bool {
		return a == "--wait" || a == "-w"
	})

	if len(args) == 1 && args[0] == "--version" {
		fmt.Fprintf(stdout, "iptables v%s (legacy)\n", os.Getenv(envVersion))
		return 0
	}

	table := "filter"
	if len(args) >= 2 && (args[0] == "-t" || args[0] == "--table") {
		table = args[1]
		args = args[2:]
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, errUsage.msg)
		return errUsage.code
	}

	statePath := os.Getenv(envState)
	st, err := loadState(statePath)
	if err != nil {
		fmt.Fprintf(stderr, "iptablestest: %v\n", err)
		return 4
	}
	if _, ok := st.Tables[table]; !ok {
		fmt.Fprintf(stderr, "iptables v%s (legacy): can't initialize iptables table `%s': Table does not exist\n", os.Getenv(envVersion), table)
		return 3
	}

	changed, err := apply(st, table, args[0], args[1:], stdout)
	if err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(stderr, exitErr.msg)
			return exitErr.code
		}
		fmt.Fprintf(stderr, "iptablestest: %v\n", err)
		return 4
	}

	if changed {
		if err := st.save(statePath); err != nil {
			fmt.Fprintf(stderr, "iptablestest: %v\n", err)
			return 4
		}
	}
	return 0
}

func logCall(args []string) {
	path := os.Getenv(envLog)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, strings.Join(args, " "))
}

func apply(st *fakeState, table, op string, rest []string, stdout io.Writer) (bool, error) {
	// Operations without a chain argument
	if len(rest) == 0 {
		switch op {
		case "-S":
			for _, c := range st.Tables[table] {
				printDeclaration(stdout, c)
			}
			for _, c := range st.Tables[table] {
				printRules(stdout, c)
			}
			return false, nil
		case "-L":
			for _, c := range st.Tables[table] {
				printListing(stdout, st, table, c)
			}
			return false, nil
		case "-F":
			for _, c := range st.Tables[table] {
				c.Rules = nil
			}
			return true, nil
		case "-X":
			st.Tables[table] = slices.DeleteFunc(st.Tables[table], func(c *fakeChain) bool {
				return !c.Builtin
			})
			return true, nil
		}
		return false, errUsage
	}

	name := rest[0]
	rest = rest[1:]

	if op == "-N" {
		if st.chain(table, name) != nil {
			return false, errExists
		}
		st.Tables[table] = append(st.Tables[table], &fakeChain{Name: name})
		return true, nil
	}

	c := st.chain(table, name)
	if c == nil {
		return false, errNoChain
	}

	switch op {
	case "-S":
		printDeclaration(stdout, c)
		printRules(stdout, c)
		return false, nil
	case "-L":
		printListing(stdout, st, table, c)
		return false, nil
	case "-F":
		c.Rules = nil
		return true, nil
	case "-X":
		switch {
		case c.Builtin:
			return false, errBuiltin
		case len(c.Rules) > 0:
			return false, errNotEmpty
		case st.references(table, name) > 0:
			return false, errInUse
		}
		st.Tables[table] = slices.DeleteFunc(st.Tables[table], func(other *fakeChain) bool {
			return other == c
		})
		return true, nil
	case "-E":
		if len(rest) != 1 {
			return false, errUsage
		}
		if c.Builtin {
			return false, errBuiltin
		}
		if st.chain(table, rest[0]) != nil {
			return false, errExists
		}
		for _, other := range st.Tables[table] {
			for _, rule := range other.Rules {
				for i := 0; i+1 < len(rule); i++ {
					if (rule[i] == "-j" || rule[i] == "-g") && rule[i+1] == name {
						rule[i+1] = rest[0]
					}
				}
			}
		}
		c.Name = rest[0]
		return true, nil
	case "-P":
		if len(rest) != 1 {
			return false, errUsage
		}
		if !c.Builtin {
			return false, errBadPolicy
		}
		c.Policy = rest[0]
		return true, nil
	case "-A":
		c.Rules = append(c.Rules, canonical(rest))
		return true, nil
	case "-I":
		pos := 1
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil {
				pos = n
				rest = rest[1:]
			}
		}
		if pos < 1 || pos > len(c.Rules)+1 {
			return false, errIndex
		}
		c.Rules = slices.Insert(c.Rules, pos-1, canonical(rest))
		return true, nil
	case "-R":
		if len(rest) == 0 {
			return false, errUsage
		}
		pos, err := strconv.Atoi(rest[0])
		if err != nil {
			return false, errUsage
		}
		if pos < 1 || pos > len(c.Rules) {
			return false, errReplace
		}
		c.Rules[pos-1] = canonical(rest[1:])
		return true, nil
	case "-D":
		if len(rest) == 1 {
			if n, err := strconv.Atoi(rest[0]); err == nil {
				if n < 1 || n > len(c.Rules) {
					return false, errIndex
				}
				c.Rules = slices.Delete(c.Rules, n-1, n)
				return true, nil
			}
		}
		i := indexRule(c, rest)
		if i < 0 {
			return false, errBadRule
		}
		c.Rules = slices.Delete(c.Rules, i, i+1)
		return true, nil
	case "-C":
		if indexRule(c, rest) < 0 {
			return false, errBadRule
		}
		return false, nil
	}

	return false, errUsage
}

func indexRule(c *fakeChain, rule []string) int {
	rule = canonical(rule)
	return slices.IndexFunc(c.Rules, func(r []string) bool {
		return slices.Equal(r, rule)
	})
}

// Order in which iptables-legacy prints the basic rule options
var basicOptions = []string{"-s", "-d", "-i", "-o", "-p"}

var longOptions = map[string]string{
	"--source":        "-s",
	"--destination":   "-d",
	"--in-interface":  "-i",
	"--out-interface": "-o",
	"--protocol":      "-p",
}

var protocolOptions = map[string][]string{
	"tcp": {"--dport", "--sport", "--destination-port", "--source-port", "--tcp-flags", "--syn", "--tcp-option"},
	"udp": {"--dport", "--sport", "--destination-port", "--source-port"},
}

// canonical returns a copy of rule as iptables would list it, if enabled.
func canonical(rule []string) []string {
	if os.Getenv(envCanonical) == "" {
		return slices.Clone(rule)
	}

	basic := make(map[string][]string)
	var rest []string
	for i := 0; i < len(rule); i++ {
		negated := rule[i] == "!" && i+1 < len(rule)
		j := i
		if negated {
			j++
		}
		opt := rule[j]
		if long, ok := longOptions[opt]; ok {
			opt = long
		}
		if !slices.Contains(basicOptions, opt) || j+1 >= len(rule) {
			rest = append(rest, rule[i])
			continue
		}

		value := rule[j+1]
		if (opt == "-s" || opt == "-d") && !strings.Contains(value, "/") {
			if strings.Contains(value, ":") {
				value += "/128"
			} else {
				value += "/32"
			}
		}
		if negated {
			basic[opt] = []string{"!", opt, value}
		} else {
			basic[opt] = []string{opt, value}
		}
		i = j + 1
	}

	var out []string
	for _, opt := range basicOptions {
		out = append(out, basic[opt]...)
	}

	proto := ""
	if p := basic["-p"]; len(p) > 0 {
		proto = p[len(p)-1]
	}
	implicit := protocolOptions[proto]
	loaded := false
	for i := 0; i+1 < len(rest); i++ {
		if rest[i] == "-m" && rest[i+1] == proto {
			loaded = true
		}
	}
	for _, arg := range rest {
		if !loaded && slices.Contains(implicit, arg) {
			out = append(out, "-m", proto)
			loaded = true
		}
		out = append(out, arg)
	}
	return out
}

func printDeclaration(w io.Writer, c *fakeChain) {
	if c.Builtin {
		fmt.Fprintf(w, "-P %s %s\n", c.Name, c.Policy)
	} else {
		fmt.Fprintf(w, "-N %s\n", c.Name)
	}
}

func printRules(w io.Writer, c *fakeChain) {
	for _, rule := range c.Rules {
		fmt.Fprintf(w, "-A %s %s\n", c.Name, quoteRule(rule))
	}
}

func printListing(w io.Writer, st *fakeState, table string, c *fakeChain) {
	if c.Builtin {
		fmt.Fprintf(w, "Chain %s (policy %s)\n", c.Name, c.Policy)
	} else {
		fmt.Fprintf(w, "Chain %s (%d references)\n", c.Name, st.references(table, c.Name))
	}
	fmt.Fprintln(w, "target     prot opt source               destination")
	for _, rule := range c.Rules {
		fmt.Fprintln(w, quoteRule(rule))
	}
	fmt.Fprintln(w)
}

func quoteRule(rule []string) string {
	parts := make([]string, len(rule))
	for i, arg := range rule {
		if arg == "" || strings.ContainsAny(arg, " \t") {
			parts[i] = `"` + arg + `"`
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}
