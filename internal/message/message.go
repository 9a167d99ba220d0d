// Package message models git commit messages as a body plus an ordered
// multimap of trailers, so strategies can inject structured metadata
// (cross-references, sign-offs, co-authors) without mangling free-form text.
package message

import (
	"regexp"
	"strings"
)

// CoAuthoredBy is the one trailer key recognized anywhere in a message, not
// just inside the trailing block, and always serialized last so the forge
// picks it up.
const CoAuthoredBy = "Co-authored-by"

// Header is a single Key: value trailer line.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered trailer multimap. Keys compare case-insensitively;
// insertion order of values is preserved.
type Headers []Header

func (hs *Headers) Add(key, value string) {
	*hs = append(*hs, Header{Key: key, Value: value})
}

// Remove drops every value stored under key.
func (hs *Headers) Remove(key string) {
	kept := (*hs)[:0]
	for _, h := range *hs {
		if !strings.EqualFold(h.Key, key) {
			kept = append(kept, h)
		}
	}
	*hs = kept
}

// Get returns the first value stored under key.
func (hs Headers) Get(key string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in insertion order.
func (hs Headers) Values(key string) []string {
	var vals []string
	for _, h := range hs {
		if strings.EqualFold(h.Key, key) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Canonical capitalizes a trailer key the way commit message conventions
// mostly spell them: first letter upper, the rest lower.
func Canonical(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
}

// Message is a commit message split into a trimmed body and its trailers.
type Message struct {
	Body    string
	Headers Headers
}

func New(body string, headers Headers) *Message {
	return &Message{Body: strings.TrimSpace(body), Headers: headers}
}

var (
	// A thematic break: 0-3 spaces of indentation then three or more
	// matching *, _ or - markers, each optionally followed by spaces/tabs.
	// Spelled out per marker since RE2 has no backreferences.
	breakLine = regexp.MustCompile(`^ {0,3}(\*([ \t]*\*){2,}|_([ \t]*_){2,}|-([ \t]*-){2,})[ \t]*$`)

	// A possible setext heading underline: a run of - or = characters. Such
	// a line is only a break if the line above it is blank.
	setexUnderline = regexp.MustCompile(`^ {0,3}[-=]+ *$`)

	headerLine = regexp.MustCompile(`^([A-Za-z-]+): (.*)$`)
)

// Parse splits a raw message into body and trailers. Thematic breaks are
// kept verbatim; use FromPR for messages typed into a PR description.
func Parse(raw string) *Message {
	return parse(raw, false)
}

// FromPR parses a PR-supplied message: anything following a thematic break
// is cut, with a two-line setext heading ("Title\n---") kept intact.
func FromPR(raw string) *Message {
	return parse(raw, true)
}

func parse(raw string, handleBreak bool) *Message {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return New("", nil)
	}

	inHeaders := true
	maybeSetex := ""
	haveSetex := false
	var headers Headers
	var body []string

	// Scan bottom-up, skipping the title line: trailers must form a
	// contiguous block at the end of the message.
	for i := len(lines) - 1; i >= 1; i-- {
		line := lines[i]

		if haveSetex {
			if line != "" {
				// an actual setext heading, keep the underline
				body = append(body, maybeSetex)
			} else {
				// an actual break, drop everything below it
				body = nil
			}
			maybeSetex = ""
			haveSetex = false
		}

		if line == "" {
			if !inHeaders && len(body) > 0 && body[len(body)-1] != "" {
				body = append(body, line)
			}
			continue
		}

		if handleBreak && breakLine.MatchString(line) {
			if setexUnderline.MatchString(line) {
				maybeSetex = line
				haveSetex = true
			} else {
				body = nil
			}
			continue
		}

		if m := headerLine.FindStringSubmatch(line); m != nil {
			if inHeaders || strings.EqualFold(m[1], CoAuthoredBy) {
				headers = append(headers, Header{Key: m[1], Value: m[2]})
				continue
			}
		}

		body = append(body, line)
		inHeaders = false
	}

	// an underline directly below the title: the title is non-blank, so
	// this is a heading, not a break, and stays glued to the title
	titleUnderline := false
	if haveSetex {
		body = append(body, maybeSetex)
		titleUnderline = true
	}

	// separate the title from the rest of the body
	if len(body) > 0 && body[len(body)-1] != "" && !titleUnderline {
		body = append(body, "")
	}
	body = append(body, lines[0])

	reverse(body)
	reverse(headers)
	return New(strings.Join(body, "\n"), headers)
}

// String serializes deterministically: trimmed body, blank line, then
// trailers grouped by canonical key in encounter order, Co-authored-by last.
func (m *Message) String() string {
	if len(m.Headers) == 0 {
		return m.Body + "\n"
	}

	keys := make([]string, 0, len(m.Headers))
	seen := make(map[string]bool)
	for _, h := range m.Headers {
		k := Canonical(h.Key)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	// stable partition: everything else first, then co-authors
	ordered := keys[:0:0]
	for _, k := range keys {
		if k != CoAuthoredBy {
			ordered = append(ordered, k)
		}
	}
	for _, k := range keys {
		if k == CoAuthoredBy {
			ordered = append(ordered, k)
		}
	}

	var b strings.Builder
	b.WriteString(m.Body)
	b.WriteString("\n\n")
	for _, k := range ordered {
		for _, v := range m.Headers.Values(k) {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// splitLines splits on newlines, dropping the final empty element a single
// trailing newline produces.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
