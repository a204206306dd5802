// Package validate classifies untrusted strings as room names or
// usernames. Inputs are trimmed, checked against a blacklist of
// injection-style patterns and a strict whitelist, then HTML-escaped.
// All functions are pure.
package validate

import (
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/feltwire/feltwire"
)

const (
	MaxRoomNameLength = 50
	MaxUsernameLength = 30
)

var (
	roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,30}$`)

	// Injection-style content rejected outright, case-insensitive:
	// script/tag markers, SQL keywords next to delimiters, shell and
	// template markers. The whitelist below would catch these anyway;
	// the blacklist keeps the rejection reason specific.
	dangerousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*/?\s*script`),
		regexp.MustCompile(`(?i)<\s*/?\s*[a-z!]`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)on\w+\s*=`),
		regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|union|alter|exec)\b\s*[\s(]`),
		regexp.MustCompile(`['";]|--`),
		regexp.MustCompile("[`$|&\\\\]"),
		regexp.MustCompile(`\{\{|\}\}|<%|%>`),
	}
)

// RoomName validates and sanitizes a room name.
func RoomName(input string) (string, error) {
	return clean(input, roomNamePattern, feltwire.ErrInvalidRoomName)
}

// Username validates and sanitizes a username.
func Username(input string) (string, error) {
	return clean(input, usernamePattern, feltwire.ErrInvalidUsername)
}

func clean(input string, whitelist *regexp.Regexp, whitelistErr string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New(feltwire.ErrEmptyInput)
	}
	for _, p := range dangerousPatterns {
		if p.MatchString(trimmed) {
			return "", errors.New(feltwire.ErrDangerousInput)
		}
	}
	if !whitelist.MatchString(trimmed) {
		return "", errors.New(whitelistErr)
	}
	return html.EscapeString(trimmed), nil
}
