package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "https://t.example.com"

func newTestInjector(store Store) *Injector {
	inj := NewInjector(store, base+"/")
	n := 0
	inj.newID = func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
	return inj
}

var rcpt = &domain.Recipient{ID: "r1", CampaignID: "c1", Email: "lead@example.com"}

func TestInject_RewritesLinksAndAddsPixel(t *testing.T) {
	store := memory.New()
	inj := newTestInjector(store)

	body := `<html><body><p>Hi <b>there</b></p>` +
		`<a class="btn" href="https://example.com/a?x=1&amp;y=2">Go</a> ` +
		`<a href='https://example.com/b'>B</a>` +
		`<a href="mailto:sales@example.com">mail</a>` +
		`<a href="tel:+15551234">call</a>` +
		`<a href="#top">top</a>` +
		`<a href="">empty</a>` +
		`<a href="javascript:void(0)">js</a>` +
		`<a href="https://t.example.com/link/old">own</a>` +
		`<area shape="rect" href="https://example.com/map">` +
		`</body></html>`

	out, err := inj.Inject(context.Background(), body, rcpt)
	require.NoError(t, err)

	require.Len(t, out.Links, 3)
	assert.Equal(t, "https://example.com/a?x=1&y=2", out.Links[0].OriginalURL)
	assert.Equal(t, "https://example.com/b", out.Links[1].OriginalURL)
	assert.Equal(t, "https://example.com/map", out.Links[2].OriginalURL)

	assert.Contains(t, out.HTML, `<a class="btn" href="https://t.example.com/link/id1">Go</a>`)
	assert.Contains(t, out.HTML, `<a href="https://t.example.com/link/id2">B</a>`)
	assert.Contains(t, out.HTML, `<area shape="rect" href="https://t.example.com/link/id3">`)
	for _, untouched := range []string{"mailto:sales@example.com", "tel:+15551234", `href="#top"`, `href=""`, "javascript:void(0)", "https://t.example.com/link/old"} {
		assert.Contains(t, out.HTML, untouched)
	}

	assert.Equal(t, "id4", out.Pixel.ID)
	assert.True(t, strings.HasSuffix(out.HTML, `style="display:none;border:0;width:1px;height:1px;" /></body></html>`))
	assert.Contains(t, out.HTML, `<img src="https://t.example.com/pixel/id4" width="1" height="1"`)

	px, ok := store.Pixel("id4")
	require.True(t, ok)
	assert.Equal(t, "r1", px.RecipientID)
	link, err := store.GetLink(context.Background(), "id2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b", link.OriginalURL)
}

func TestInject_DuplicateURLSharesOneLink(t *testing.T) {
	inj := newTestInjector(memory.New())
	body := `<a href="https://example.com/x">1</a><a HREF="https://example.com/x">2</a>`

	out, err := inj.Inject(context.Background(), body, rcpt)
	require.NoError(t, err)
	require.Len(t, out.Links, 1)
	assert.Equal(t, 2, strings.Count(out.HTML, "https://t.example.com/link/id1"))
}

func TestInject_PreservesSurroundingMarkup(t *testing.T) {
	inj := newTestInjector(memory.New())
	body := "<!DOCTYPE html>\n<!-- keep -->\n<DIV Style=\"color:red\">Ünïcode &amp; <a data-href=\"x\" href=https://example.com/q>q</a></DIV>"

	out, err := inj.Inject(context.Background(), body, rcpt)
	require.NoError(t, err)

	want := "<!DOCTYPE html>\n<!-- keep -->\n<DIV Style=\"color:red\">Ünïcode &amp; <a data-href=\"x\" href=\"https://t.example.com/link/id1\">q</a></DIV>"
	assert.Equal(t, want+pixelTag(base+"/pixel/id2"), out.HTML)
}

func TestInsertPixel(t *testing.T) {
	tag := "<img/>"
	assert.Equal(t, "<body>a</body><body>b<img/></BODY>", insertPixel("<body>a</body><body>b</BODY>", tag))
	assert.Equal(t, "<p>x</p><img/></html>", insertPixel("<p>x</p></html>", tag))
	assert.Equal(t, "plain<img/>", insertPixel("plain", tag))
	assert.Equal(t, "<body><img/></body ></bodyx>", insertPixel("<body></body ></bodyx>", tag))
}

type failingStore struct{}

func (failingStore) CreatePixel(context.Context, *domain.TrackingPixel) error {
	return errors.New("db down")
}
func (failingStore) CreateLinks(context.Context, []domain.TrackedLink) error { return nil }

func TestInject_StoreError(t *testing.T) {
	_, err := newTestInjector(failingStore{}).Inject(context.Background(), "<p>x</p>", rcpt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register pixel")
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewID())
}

func TestInsertPixel_MultibyteTextBeforeClosingTag(t *testing.T) {
	tag := "<img/>"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"dotted capital I", "<html><body><p>İstanbul</p></body></html>", "<html><body><p>İstanbul</p><img/></body></html>"},
		{"kelvin sign", "<html><body><p>\u212a</p></body></html>", "<html><body><p>\u212a</p><img/></body></html>"},
		{"invalid utf-8", "<body><p>\xff\xfe</p></BODY>", "<body><p>\xff\xfe</p><img/></BODY>"},
		{"html only", "<p>İlker</p></HTML>", "<p>İlker</p><img/></HTML>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, insertPixel(tt.doc, tag))
		})
	}
}

func TestInject_HrefInsideOtherAttributeValue(t *testing.T) {
	store := memory.New()
	inj := newTestInjector(store)

	body := `<body><a title="see href=x" href="https://example.com/a">A</a>` +
		`<a data-note='x href="y"' HREF=https://example.com/b>B</a></body>`
	out, err := inj.Inject(context.Background(), body, rcpt)
	require.NoError(t, err)

	require.Len(t, out.Links, 2)
	assert.Contains(t, out.HTML, `<a title="see href=x" href="https://t.example.com/link/id1">A</a>`)
	assert.Contains(t, out.HTML, `<a data-note='x href="y"' HREF="https://t.example.com/link/id2">B</a>`)
	assert.NotContains(t, out.HTML, "https://example.com/a")
	assert.NotContains(t, out.HTML, "https://example.com/b")
}

func TestHrefValueSpan(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`<a href="x">`, `"x"`, true},
		{`<a href = 'x' >`, `'x'`, true},
		{`<a href=x>`, `x`, true},
		{`<a data-href="x">`, "", false},
		{`<a download href="x">`, `"x"`, true},
		{`<a/href="x">`, `"x"`, true},
		{`<a title="href=&quot;x">`, "", false},
	}
	for _, tt := range tests {
		start, end, ok := hrefValueSpan([]byte(tt.raw))
		assert.Equal(t, tt.ok, ok, tt.raw)
		if ok {
			assert.Equal(t, tt.want, tt.raw[start:end], tt.raw)
		}
	}
}
