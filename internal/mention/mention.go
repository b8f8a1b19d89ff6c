// Package mention implements the textual encoding for inline user and
// task references embedded in message bodies: @[display](entityId) for
// users and #[display](entityId) for tasks. Mentions are never stored
// separately; they are re-derived from message content on demand.
package mention

import (
	"regexp"
	"strings"
)

type Kind string

const (
	KindUser Kind = "user"
	KindTask Kind = "task"
)

// Mention is one decoded inline reference. Start and End delimit the
// full encoded form inside the original content, End exclusive.
type Mention struct {
	Kind        Kind
	DisplayText string
	EntityID    string
	Start       int
	End         int
}

// Segment is one piece of a split message body: either literal text or
// exactly one mention.
type Segment struct {
	Literal string
	Mention *Mention
}

func EncodeUser(displayText, userID string) string {
	return "@[" + displayText + "](" + userID + ")"
}

func EncodeTask(displayText, taskID string) string {
	return "#[" + displayText + "](" + taskID + ")"
}

// Decode scans content left to right and returns every well-formed
// mention in document order. Malformed fragments (unterminated
// brackets, missing id part) stay literal text and are skipped over.
func Decode(content string) []Mention {
	var out []Mention
	for i := 0; i < len(content); {
		m, ok := decodeAt(content, i)
		if !ok {
			i++
			continue
		}
		out = append(out, m)
		i = m.End
	}
	return out
}

// decodeAt tries to read one mention starting exactly at offset i.
func decodeAt(content string, i int) (Mention, bool) {
	if i+1 >= len(content) {
		return Mention{}, false
	}
	var kind Kind
	switch content[i] {
	case '@':
		kind = KindUser
	case '#':
		kind = KindTask
	default:
		return Mention{}, false
	}
	if content[i+1] != '[' {
		return Mention{}, false
	}
	closeBracket := strings.IndexByte(content[i+2:], ']')
	if closeBracket < 0 {
		return Mention{}, false
	}
	textEnd := i + 2 + closeBracket
	if textEnd+1 >= len(content) || content[textEnd+1] != '(' {
		return Mention{}, false
	}
	closeParen := strings.IndexByte(content[textEnd+2:], ')')
	if closeParen < 0 {
		return Mention{}, false
	}
	idEnd := textEnd + 2 + closeParen
	return Mention{
		Kind:        kind,
		DisplayText: content[i+2 : textEnd],
		EntityID:    content[textEnd+2 : idEnd],
		Start:       i,
		End:         idEnd + 1,
	}, true
}

// Split partitions content into alternating literal and mention
// segments. Concatenating every segment (literals as-is, mentions
// re-encoded) reproduces content exactly.
func Split(content string) []Segment {
	mentions := Decode(content)
	var out []Segment
	cursor := 0
	for i := range mentions {
		m := mentions[i]
		if m.Start > cursor {
			out = append(out, Segment{Literal: content[cursor:m.Start]})
		}
		out = append(out, Segment{Mention: &mentions[i]})
		cursor = m.End
	}
	if cursor < len(content) {
		out = append(out, Segment{Literal: content[cursor:]})
	}
	return out
}

var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	iframeBlockRe  = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`)
	strayTagRe     = regexp.MustCompile(`(?i)</?(?:script|iframe)\b[^>]*>`)
	jsURIRe        = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerRe = regexp.MustCompile(`(?i)\son\w+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
)

// Sanitize strips executable markup from content before rich
// rendering: script/iframe tags (paired or stray), javascript: URIs,
// and inline on* event-handler attributes. Removal runs to a fixpoint
// so Sanitize(Sanitize(x)) == Sanitize(x) even when a removal splices
// two halves of a tag back together.
func Sanitize(content string) string {
	for {
		next := scriptBlockRe.ReplaceAllString(content, "")
		next = iframeBlockRe.ReplaceAllString(next, "")
		next = strayTagRe.ReplaceAllString(next, "")
		next = jsURIRe.ReplaceAllString(next, "")
		next = eventHandlerRe.ReplaceAllString(next, "")
		if next == content {
			return next
		}
		content = next
	}
}

var formattedMarkers = []string{"```", "**", "__", "~~", "](http", "\n- ", "\n* ", "\n> "}

// LooksFormatted is a cheap selector between the rich and plain
// rendering paths. It only affects presentation; mention decoding works
// identically on both paths.
func LooksFormatted(content string) bool {
	for _, marker := range formattedMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	if strings.HasPrefix(content, "# ") || strings.HasPrefix(content, "- ") || strings.HasPrefix(content, "> ") {
		return true
	}
	// An HTML-ish tag opener is enough to route through the rich path.
	for i := 0; i+1 < len(content); i++ {
		if content[i] == '<' {
			c := content[i+1]
			if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '/' {
				return true
			}
		}
	}
	return false
}
