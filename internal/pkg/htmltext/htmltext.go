// Package htmltext renders HTML email bodies as readable plain text.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LooksHTML is a cheap sniff for markup in a message body.
func LooksHTML(s string) bool {
	l := strings.ToLower(s)
	for _, tag := range []string{"<html", "<body", "<div", "<p", "<br", "<table", "<span"} {
		if strings.Contains(l, tag) {
			return true
		}
	}
	return false
}

// Convert strips markup, keeps line structure and prefixes blockquote
// lines with "> ". Input that does not parse is returned unchanged.
func Convert(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	doc.Find("script, style, head, title").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, tr, li, h1, h2, h3, h4, h5, h6, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("blockquote").Each(func(_ int, s *goquery.Selection) {
		lines := strings.Split(strings.TrimSpace(s.Text()), "\n")
		for i, l := range lines {
			lines[i] = "> " + strings.TrimSpace(l)
		}
		s.SetText(strings.Join(lines, "\n") + "\n")
	})
	return tidy(doc.Text())
}

var (
	spaceRun = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankRun = regexp.MustCompile(`\n{3,}`)
)

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
	}
	return strings.TrimSpace(blankRun.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
