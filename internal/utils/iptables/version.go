package iptables

import (
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/mod/semver"
)

const (
	// Last versions without -C (--check) and -w (--wait)
	lastVersionWithoutCheck = "v1.4.10"
	lastVersionWithoutWait  = "v1.4.19"
)

var versionRegexp = regexp.MustCompile(`v(\d+)\.(\d+)\.(\d+)`)

type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion extracts the first vMAJOR.MINOR.PATCH token from the output of
// "iptables --version", e.g. "iptables v1.8.7 (nf_tables)".
func ParseVersion(output string) (Version, error) {
	m := versionRegexp.FindStringSubmatch(output)
	if m == nil {
		return Version{}, &Error{Kind: KindPattern, Msg: fmt.Sprintf("invalid version number in %q", output)}
	}

	var parts [3]int
	for i, name := range []string{"major", "minor", "patch"} {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, &Error{Kind: KindParse, Msg: "unable to parse " + name + " version number", Err: err}
		}
		parts[i] = n
	}

	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) SupportsCheck() bool {
	return semver.Compare(v.String(), lastVersionWithoutCheck) > 0
}

func (v Version) SupportsWait() bool {
	return semver.Compare(v.String(), lastVersionWithoutWait) > 0
}
