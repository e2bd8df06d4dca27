package controlapi

import (
	"regexp"
	"strings"
)

// Premium engine builds emit logfmt-style lines:
//
//	time="2026-08-24T10:00:00Z" level=warning msg="connection refused"
var logLineRe = regexp.MustCompile(`level=(\w+)\s+msg="((?:[^"\\]|\\.)*)"`)

// ParseLogLine extracts the severity level and message from a premium
// engine log line. ok is false when the line does not match, in which
// case callers should forward the raw line.
func ParseLogLine(line string) (level, msg string, ok bool) {
	m := logLineRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], unescape(m[2]), true
}

// ParseCheckOutput extracts the error diagnostics from the engine's
// check-mode (-t) output. An empty result means nothing matched and the
// caller should fall back to the raw output.
func ParseCheckOutput(out string) string {
	var msgs []string
	for _, line := range strings.Split(out, "\n") {
		level, msg, ok := ParseLogLine(line)
		if !ok {
			continue
		}
		switch level {
		case "error", "fatal":
			msgs = append(msgs, msg)
		}
	}
	return strings.Join(msgs, "\n")
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}
