package iptables

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/gerolf-vent/iptctl/internal/utils/set"

	ctrl "sigs.k8s.io/controller-runtime"
)

type Protocol string

const (
	IPv4 Protocol = "IPv4"
	IPv6 Protocol = "IPv6"
)

func (p Protocol) String() string {
	return string(p)
}

type Table string

const (
	TableFilter   Table = "filter"
	TableNAT      Table = "nat"
	TableMangle   Table = "mangle"
	TableRaw      Table = "raw"
	TableSecurity Table = "security"
)

type Chain string

const (
	ChainPrerouting  Chain = "PREROUTING"
	ChainInput       Chain = "INPUT"
	ChainForward     Chain = "FORWARD"
	ChainOutput      Chain = "OUTPUT"
	ChainPostrouting Chain = "POSTROUTING"
)

// Built-in chains per table, taken from iptables(8)
var builtinChains = map[Table]set.Set[Chain]{
	TableFilter:   set.NewWithItems(ChainInput, ChainForward, ChainOutput),
	TableNAT:      set.NewWithItems(ChainPrerouting, ChainPostrouting, ChainOutput),
	TableMangle:   set.NewWithItems(ChainPrerouting, ChainOutput, ChainInput, ChainForward, ChainPostrouting),
	TableRaw:      set.NewWithItems(ChainPrerouting, ChainOutput),
	TableSecurity: set.NewWithItems(ChainInput, ChainOutput, ChainForward),
}

func BuiltinChains(table Table) (set.Set[Chain], error) {
	chains, ok := builtinChains[table]
	if !ok {
		return nil, ErrUnsupportedTable
	}
	return chains, nil
}

func IsBuiltinChain(table Table, chain Chain) bool {
	chains, err := BuiltinChains(table)
	return err == nil && chains.Contains(chain)
}

// IPTables is bound to one iptables binary. Its capabilities are detected once
// in New and never change afterwards.
type IPTables struct {
	path     string
	proto    Protocol
	version  Version
	hasCheck bool // -C (--check) is available
	hasWait  bool // -w (--wait) is available
	lockPath string
	log      logr.Logger
}

type Option func(*IPTables)

// WithLockPath overrides the lock file used when the binary has no --wait.
func WithLockPath(path string) Option {
	return func(ipt *IPTables) {
		ipt.lockPath = path
	}
}

func WithLogger(log logr.Logger) Option {
	return func(ipt *IPTables) {
		ipt.log = log
	}
}

func New(proto Protocol, opts ...Option) (*IPTables, error) {
	var cmd string
	switch proto {
	case IPv4:
		cmd = "iptables"
	case IPv6:
		cmd = "ip6tables"
	default:
		return nil, os.ErrInvalid
	}

	ipt, err := newIPTables(cmd, proto, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return ipt, nil
}

// NewWithCommand binds to an arbitrary iptables compatible binary, e.g. a
// wrapper script or "iptables-legacy". The protocol is derived from its name.
func NewWithCommand(cmd string, opts ...Option) (*IPTables, error) {
	proto := IPv4
	if strings.HasPrefix(filepath.Base(cmd), "ip6") {
		proto = IPv6
	}
	return newIPTables(cmd, proto, opts)
}

func newIPTables(cmd string, proto Protocol, opts []Option) (*IPTables, error) {
	path, err := exec.LookPath(cmd)
	if err != nil {
		return nil, &Error{Kind: KindIO, Msg: "executable not found", Err: err}
	}

	ipt := &IPTables{
		path:     path,
		proto:    proto,
		lockPath: DefaultLockPath,
		log:      ctrl.Log.WithName("iptables"),
	}
	for _, opt := range opts {
		opt(ipt)
	}

	if err := ipt.detectCapabilities(); err != nil {
		return nil, err
	}

	return ipt, nil
}

func (ipt *IPTables) detectCapabilities() error {
	// The version query never takes the lock and never passes --wait
	stdout, err := ipt.exec([]string{"--version"})
	if err != nil {
		return err
	}

	version, err := ParseVersion(string(stdout))
	if err != nil {
		return err
	}

	ipt.version = version
	ipt.hasCheck = version.SupportsCheck()
	ipt.hasWait = version.SupportsWait()

	ipt.log.V(1).Info("Detected capabilities", "command", ipt.path, "version", version.String(), "check", ipt.hasCheck, "wait", ipt.hasWait)

	return nil
}

func (ipt *IPTables) Command() string {
	return ipt.path
}

func (ipt *IPTables) Protocol() Protocol {
	return ipt.proto
}

func (ipt *IPTables) IsIPv6() bool {
	return ipt.proto == IPv6
}

func (ipt *IPTables) Version() Version {
	return ipt.version
}

func (ipt *IPTables) HasCheck() bool {
	return ipt.hasCheck
}

func (ipt *IPTables) HasWait() bool {
	return ipt.hasWait
}

// run executes the binary with args. Mutual exclusion is either delegated to
// the binary (--wait) or done with the lock file, never both.
func (ipt *IPTables) run(args []string) ([]byte, error) {
	if ipt.hasWait {
		return ipt.exec(append(args[:len(args):len(args)], "--wait"))
	}

	var stdout []byte
	err := withLock(ipt.lockPath, func() error {
		var err error
		stdout, err = ipt.exec(args)
		return err
	})
	return stdout, err
}

func (ipt *IPTables) exec(args []string) ([]byte, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := exec.Cmd{
		Path:   ipt.path,
		Args:   append([]string{ipt.path}, args...),
		Stdout: stdout,
		Stderr: stderr,
		Env: append(os.Environ(),
			"LANG=C", // Ensure consistent output in English
			"LC_ALL=C",
		),
	}

	cmdLine := strings.Join(cmd.Args, " ")
	name := filepath.Base(ipt.path)

	ipt.log.V(1).Info("Running command", "command", cmdLine)

	start := time.Now()
	err := cmd.Run()
	commandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			commandInvocations.WithLabelValues(name, "error").Inc()
			return nil, &Error{Kind: KindIO, Msg: fmt.Sprintf("failed to run %q", cmdLine), Err: err}
		}
		// A process terminated by a signal carries no exit code and counts as success
		if code := exitErr.ExitCode(); code != -1 {
			commandInvocations.WithLabelValues(name, "exit_"+strconv.Itoa(code)).Inc()
			return nil, &Error{
				Kind:     KindExitStatus,
				ExitCode: code,
				Cmd:      cmdLine,
				Msg:      strings.TrimSpace(stderr.String()),
				Err:      exitErr,
			}
		}
	}

	commandInvocations.WithLabelValues(name, "success").Inc()
	return stdout.Bytes(), nil
}
