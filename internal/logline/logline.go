// Package logline recognises the server's connection log lines.
package logline

import (
	"regexp"
	"time"
)

// connectPattern matches lines such as
//
//	[14:05:07] [Server thread/INFO]: Steve[/192.168.1.10:51234] logged in with entity id 42 at (...)
//
// Addresses are taken verbatim as dotted quads; IPv6 connections never match.
var connectPattern = regexp.MustCompile(`\[(\d{2}:\d{2}:\d{2})\] \[Server thread/INFO\]: (\w+)\[/(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d+)\] logged in`)

// clockLayout is the layout of the bracketed time at the start of a line.
const clockLayout = "15:04:05"

// Match is one connection extracted from a log line.
type Match struct {
	Clock    string // HH:MM:SS as printed
	Username string
	Address  string
	Port     string
}

// Parse extracts a connection from line. It reports false for any line that
// does not have the full connection shape.
func Parse(line string) (Match, bool) {
	m := connectPattern.FindStringSubmatch(line)
	if m == nil {
		return Match{}, false
	}
	if _, err := time.Parse(clockLayout, m[1]); err != nil {
		return Match{}, false
	}
	return Match{
		Clock:    m[1],
		Username: m[2],
		Address:  m[3],
		Port:     m[4],
	}, true
}

// Timestamp joins an archive date (YYYY-MM-DD) with the line's clock time in
// the history's timestamp layout.
func (m Match) Timestamp(date string) string {
	return date + " " + m.Clock
}
