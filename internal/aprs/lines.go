package aprs

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SoftwareName is the version token sent at login.
	SoftwareName = "JS8Call"
	// RelayFilter asks the server to forward messages addressed to us.
	RelayFilter = "filter t/m"
	// CommentLimit bounds spot comments, in characters.
	CommentLimit = 42

	tocall = "APJ8CL"
)

// LoginLine builds the login line. An empty filter leaves the trailing
// field blank, which servers accept.
func LoginLine(call string, passcode uint16, filter string) string {
	return fmt.Sprintf("user %s pass %d ver %s %s\n", call, passcode, SoftwareName, filter)
}

// SpotLine builds a position report for from, heard by by, at grid. The
// comment is cut to limit characters; a non-positive limit uses
// CommentLimit.
func SpotLine(by, from, grid, comment string, limit int) (string, error) {
	lat, lon, err := LocatorToAPRS(grid)
	if err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = CommentLimit
	}
	return fmt.Sprintf("%s>%s,qAS,%s:=%s/%sG#JS8 %s\n", from, tocall, by, lat, lon, truncate(comment, limit)), nil
}

// ThirdPartyLine builds a raw third-party packet from from, gated by by.
func ThirdPartyLine(by, from, text string) string {
	return fmt.Sprintf("%s>%s,qAS,%s:%s\n", from, tocall, by, text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Message is an APRS text message addressed to a station.
type Message struct {
	From string
	To   string
	Text string
}

// The addressee field is nine characters wide; some gateways pad past it.
var messageLine = regexp.MustCompile(`^([^>]+)>[^:]+::([A-Z0-9 ]{9} *):(.*)$`)

// IsComment reports whether a server line is a "#" comment.
func IsComment(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#")
}

// IsLoginResponse reports whether line is the server's "# logresp" reply.
func IsLoginResponse(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "# logresp")
}

// ParseMessageLine parses one server line. Blank lines, comments and
// anything that is not a text message report false.
func ParseMessageLine(line string) (Message, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Message{}, false
	}
	m := messageLine.FindStringSubmatch(line)
	if m == nil {
		return Message{}, false
	}
	return Message{From: m[1], To: strings.TrimSpace(m[2]), Text: m[3]}, true
}

var checksumSuffix = regexp.MustCompile(`\{\d+\}?\s*$`)

// StripChecksum removes a trailing "{NNN}" message id.
func StripChecksum(text string) string {
	return strings.TrimSpace(checksumSuffix.ReplaceAllString(text, ""))
}
