package htmltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvert(t *testing.T) {
	got := Convert(`<html><head><style>p{color:red}</style></head><body>
<p>Hi   Ada,</p><p>Line one<br>line two</p>
<blockquote>earlier<br>message</blockquote>
<script>alert(1)</script></body></html>`)

	assert.Equal(t, "Hi Ada,\nLine one\nline two\n\n> earlier\n> message", got)
}

func TestLooksHTML(t *testing.T) {
	assert.True(t, LooksHTML("<DIV>x</DIV>"))
	assert.False(t, LooksHTML("plain text with a <email@example.com>"))
}
