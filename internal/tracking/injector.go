package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
	"golang.org/x/net/html"
)

// Store registers the tracking artifacts of one outbound message.
type Store interface {
	CreatePixel(ctx context.Context, p *domain.TrackingPixel) error
	CreateLinks(ctx context.Context, links []domain.TrackedLink) error
}

// Injection is the instrumented body plus what was registered for it.
type Injection struct {
	HTML  string
	Pixel domain.TrackingPixel
	Links []domain.TrackedLink
}

// Injector instruments outbound HTML per recipient. It is called once per
// send, so every message gets its own pixel and link ids.
type Injector struct {
	store   Store
	baseURL string
	newID   func() string
}

func NewInjector(store Store, baseURL string) *Injector {
	return &Injector{store: store, baseURL: strings.TrimRight(baseURL, "/"), newID: NewID}
}

// BaseURL is the public tracking origin.
func (inj *Injector) BaseURL() string { return inj.baseURL }

// Inject rewrites every trackable link in body, appends the open pixel and
// persists both before returning.
func (inj *Injector) Inject(ctx context.Context, body string, r *domain.Recipient) (*Injection, error) {
	out := &Injection{}

	rewritten, links, err := inj.rewriteLinks(body, r)
	if err != nil {
		return nil, fmt.Errorf("rewrite links: %w", err)
	}
	out.Links = links

	pixelID := inj.newID()
	out.Pixel = domain.TrackingPixel{
		ID:          pixelID,
		RecipientID: r.ID,
		CampaignID:  r.CampaignID,
		URL:         PixelURL(inj.baseURL, pixelID),
	}
	out.HTML = insertPixel(rewritten, pixelTag(out.Pixel.URL))

	if err := inj.store.CreatePixel(ctx, &out.Pixel); err != nil {
		return nil, fmt.Errorf("register pixel: %w", err)
	}
	if len(links) > 0 {
		if err := inj.store.CreateLinks(ctx, links); err != nil {
			return nil, fmt.Errorf("register links: %w", err)
		}
	}
	return out, nil
}

// rewriteLinks streams the document through the tokenizer and re-emits
// every token's raw bytes, replacing only href values of <a> and <area>.
func (inj *Injector) rewriteLinks(body string, r *domain.Recipient) (string, []domain.TrackedLink, error) {
	z := html.NewTokenizer(strings.NewReader(body))
	var buf bytes.Buffer
	buf.Grow(len(body) + 256)

	byURL := make(map[string]string)
	var links []domain.TrackedLink

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				break
			}
			return "", nil, z.Err()
		}
		// TagName lowercases the token buffer in place, so copy first.
		raw := append([]byte(nil), z.Raw()...)

		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			name, hasAttr := z.TagName()
			tag := string(name)
			if hasAttr && (tag == "a" || tag == "area") {
				if href, ok := firstHref(z); ok && inj.trackable(href) {
					original := strings.TrimSpace(href)
					tracked, seen := byURL[original]
					if !seen {
						id := inj.newID()
						tracked = LinkURL(inj.baseURL, id)
						byURL[original] = tracked
						links = append(links, domain.TrackedLink{
							ID:          id,
							RecipientID: r.ID,
							CampaignID:  r.CampaignID,
							OriginalURL: original,
							TrackedURL:  tracked,
						})
					}
					raw = replaceHref(raw, tracked)
				}
			}
		}
		buf.Write(raw)
	}
	return buf.String(), links, nil
}

func firstHref(z *html.Tokenizer) (string, bool) {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return string(val), true
		}
		if !more {
			return "", false
		}
	}
}

// replaceHref swaps the value of the first href attribute in one raw start
// tag. Everything else in the tag is kept byte for byte.
func replaceHref(raw []byte, tracked string) []byte {
	start, end, ok := hrefValueSpan(raw)
	if !ok {
		return raw
	}
	out := make([]byte, 0, len(raw)+len(tracked))
	out = append(out, raw[:start]...)
	out = append(out, '"')
	out = append(out, html.EscapeString(tracked)...)
	out = append(out, '"')
	return append(out, raw[end:]...)
}

// hrefValueSpan walks the attributes of a raw start tag the way the HTML
// tokenizer does and returns the byte range of the first href value,
// quotes included. Text inside other quoted values is never matched.
func hrefValueSpan(raw []byte) (start, end int, ok bool) {
	i := 1 // past '<'
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	for i < len(raw) {
		for i < len(raw) && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			return 0, 0, false
		}

		nameStart := i
		i++ // a leading '=' belongs to the name
		for i < len(raw) && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' && raw[i] != '=' {
			i++
		}
		name := raw[nameStart:i]

		j := i
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}
		if j >= len(raw) || raw[j] != '=' {
			continue
		}
		j++
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}

		valStart := j
		switch {
		case j < len(raw) && (raw[j] == '"' || raw[j] == '\''):
			q := raw[j]
			j++
			for j < len(raw) && raw[j] != q {
				j++
			}
			if j < len(raw) {
				j++
			}
		default:
			for j < len(raw) && !isSpace(raw[j]) && raw[j] != '>' {
				j++
			}
		}
		if asciiEqualFold(name, "href") {
			return valStart, j, true
		}
		i = j
	}
	return 0, 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// asciiEqualFold compares b with the lowercase ASCII word w without
// decoding b, so multibyte input never shifts offsets.
func asciiEqualFold(b []byte, w string) bool {
	if len(b) != len(w) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != w[i] {
			return false
		}
	}
	return true
}

// trackable skips in-page anchors, non-web schemes and our own endpoints.
func (inj *Injector) trackable(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return false
	}
	if inj.baseURL != "" && strings.HasPrefix(href, inj.baseURL+"/") {
		return false
	}
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func pixelTag(src string) string {
	return `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none;border:0;width:1px;height:1px;" />`
}

// insertPixel places tag right before the last </body>, else before the
// last </html>, else at the end of the document.
func insertPixel(doc, tag string) string {
	for _, name := range []string{"body", "html"} {
		if i := lastEndTag(doc, name); i >= 0 {
			return doc[:i] + tag + doc[i:]
		}
	}
	return doc + tag
}

// lastEndTag returns the byte offset of the last </name> end tag in doc, or
// -1. It compares bytes in place, so the offset is valid for any input.
func lastEndTag(doc, name string) int {
	for i := strings.LastIndex(doc, "</"); i >= 0; i = strings.LastIndex(doc[:i], "</") {
		rest := doc[i+2:]
		if len(rest) < len(name) || !asciiEqualFold([]byte(rest[:len(name)]), name) {
			continue
		}
		if len(rest) == len(name) {
			return i
		}
		if c := rest[len(name)]; c == '>' || c == '/' || isSpace(c) {
			return i
		}
	}
	return -1
}
