package transform

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "blockquote": true, "pre": true,
}

// htmlToText keeps the visible text of an HTML body, one line per block.
func htmlToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseBlankLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "head" {
				skip++
			}
			if blockTags[tag] {
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style" || tag == "head") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteString("\n")
			}
		case html.TextToken:
			if skip == 0 {
				writeText(&b, string(z.Text()))
			}
		}
	}
}

// writeText appends text with inner whitespace collapsed, keeping a single
// space where the original had leading or trailing whitespace.
func writeText(b *strings.Builder, text string) {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		if text != "" {
			b.WriteString(" ")
		}
		return
	}
	if strings.TrimLeftFunc(text, unicode.IsSpace) != text {
		b.WriteString(" ")
	}
	b.WriteString(collapsed)
	if strings.TrimRightFunc(text, unicode.IsSpace) != text {
		b.WriteString(" ")
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, l)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
