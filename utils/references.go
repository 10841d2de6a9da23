package utils

import (
	"regexp"
	"strings"
)

var messageIDPattern = regexp.MustCompile(`<([^<>\s]+)>`)

// HeaderValue looks a header up case-insensitively.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ExtractReferences returns the message identifiers named in the References
// and In-Reply-To headers, in that order, without duplicates. Identifiers keep
// their angle brackets.
func ExtractReferences(headers map[string]string) []string {
	refs := []string{}
	seen := make(map[string]struct{})

	for _, name := range []string{"References", "In-Reply-To"} {
		value := HeaderValue(headers, name)
		if value == "" {
			continue
		}
		for _, m := range messageIDPattern.FindAllStringSubmatch(value, -1) {
			id := "<" + m[1] + ">"
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			refs = append(refs, id)
		}
	}

	return refs
}

// NormalizeMessageID trims a message identifier and wraps it in angle
// brackets if the sender left them off, so stored ids compare equal to the
// ids found in reference headers.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if m := messageIDPattern.FindStringSubmatch(id); m != nil {
		return "<" + m[1] + ">"
	}
	id = strings.Trim(id, "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
