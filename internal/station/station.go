// Package station holds the local station identity shared by the peer and
// relay clients, and the callsign helpers both need.
package station

import (
	"regexp"
	"strings"
)

// Identity is the local station as configured by the operator.
type Identity struct {
	Call string
	Grid string
	Info string
}

// Root is the uppercased callsign before any "-SSID" suffix.
func (i Identity) Root() string {
	return Root(i.Call)
}

func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.Call) == ""
}

// Root returns the uppercased portion of call before the first '-'.
func Root(call string) string {
	if idx := strings.IndexByte(call, '-'); idx >= 0 {
		call = call[:idx]
	}
	return strings.ToUpper(call)
}

var slashSSID = regexp.MustCompile(`/(\d+)`)

// ReplaceSuffixWithSSID maps a "/N" portable suffix on call onto base-N.
// Calls without a numeric suffix collapse to base.
func ReplaceSuffixWithSSID(call, base string) string {
	if call == base {
		return call
	}
	if m := slashSSID.FindStringSubmatch(call); m != nil {
		return base + "-" + m[1]
	}
	return base
}
