package reply

import (
	"regexp"
	"strings"

	"github.com/ignite/campaign-engine/internal/pkg/htmltext"
)

// Reasons a message was classified as a reply.
const (
	ByThreadHeaders = "thread_headers"
	BySubject       = "subject_prefix"
	ByQuote         = "quoted_text"
	ByShortPhrase   = "short_phrase"
)

var subjectPrefix = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|sv)\s*:`)

var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*>`),
	regexp.MustCompile(`(?is)\bon\s[^\n]{1,200}?\bwrote:`),
	regexp.MustCompile(`(?i)-{2,}\s*original message\s*-{2,}`),
	regexp.MustCompile(`(?i)-{2,}\s*forwarded message\s*-{2,}`),
	regexp.MustCompile(`(?im)^\s*from:\s.+\n\s*sent:\s`),
}

var shortPhrase = regexp.MustCompile(`(?i)\b(thanks|thank you|sounds good|interested|not interested|let'?s talk|call me|tell me more|more info|yes|no thanks|sure|remove me|stop)\b`)

// shortBodyLimit is the length under which conversational phrases alone
// count as a reply.
const shortBodyLimit = 500

// Classify returns why in looks like a reply, or "" when it does not.
// text is the plain-text body.
func Classify(in Inbound, text string) string {
	if strings.TrimSpace(in.InReplyTo) != "" || strings.TrimSpace(in.References) != "" {
		return ByThreadHeaders
	}
	if subjectPrefix.MatchString(in.Subject) {
		return BySubject
	}
	for _, re := range quoteMarkers {
		if re.MatchString(text) {
			return ByQuote
		}
	}
	if t := strings.TrimSpace(text); t != "" && len(t) < shortBodyLimit && shortPhrase.MatchString(t) {
		return ByShortPhrase
	}
	return ""
}

// PlainText converts an HTML body to text; other bodies are returned as is.
func PlainText(body string) string {
	if !htmltext.LooksHTML(body) {
		return body
	}
	return htmltext.Convert(body)
}

// Excerpt is the new text of a reply: everything before the first quote
// marker, capped at maxExcerpt runes.
func Excerpt(text string) string {
	cut := len(text)
	for _, re := range quoteMarkers {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	ex := strings.TrimSpace(text[:cut])
	if ex == "" {
		ex = strings.TrimSpace(text)
	}
	if r := []rune(ex); len(r) > maxExcerpt {
		ex = string(r[:maxExcerpt])
	}
	return ex
}

const maxExcerpt = 1000
