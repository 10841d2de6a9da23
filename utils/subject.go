package utils

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// replyPrefix matches one leading reply/forward marker on an already lowercased
// subject: the marker word, an optional counter ("[2]", "^2", "(2)") and a colon.
// Localised variants cover the forms mail clients commonly emit.
var replyPrefix = regexp.MustCompile(
	`^(?:re|fwd?|aw|wg|sv|vs|antw|rif|tr|ref|r|enc|res|odp|doorst|vb|fs|回复|回覆|转发|轉寄|答复)` +
		`\s*(?:\[\d+\]|\^\d+|\(\d+\))?\s*[:：]\s*`,
)

// NormalizeSubject lowercases a subject, turns control characters into
// spaces, collapses whitespace and strips any chain of reply/forward
// prefixes ("Re: Re: Fwd: Launch" becomes "launch").
// Normalizing an already normalized subject returns it unchanged.
func NormalizeSubject(subject string) string {
	if subject == "" {
		return ""
	}

	s := norm.NFC.String(strings.ToLower(norm.NFC.String(subject)))
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil || loc[1] == 0 {
			break
		}
		s = s[loc[1]:]
	}

	return strings.TrimSpace(s)
}
