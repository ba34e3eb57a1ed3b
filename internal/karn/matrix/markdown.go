package matrix

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	mdOnce sync.Once
	md     goldmark.Markdown
)

func markdown() goldmark.Markdown {
	mdOnce.Do(func() {
		md = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return md
}

// RenderMarkdown converts model output to Matrix formatted_body HTML. ok is
// false when the text has no markup worth sending as HTML.
func RenderMarkdown(text string) (formatted string, ok bool) {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())
	// A single plain paragraph adds nothing over the body.
	if inner, found := strings.CutPrefix(out, "<p>"); found {
		if inner, found = strings.CutSuffix(inner, "</p>"); found && !strings.Contains(inner, "<") && !strings.Contains(inner, "&") {
			return "", false
		}
	}
	return out, out != ""
}
