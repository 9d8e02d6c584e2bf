package epub

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "section": true, "article": true,
	"blockquote": true, "pre": true, "tr": true, "table": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "footer": true, "aside": true, "figure": true, "figcaption": true,
	"dd": true, "dt": true, "hr": true,
}

func skipElement(name string) bool {
	return name == "script" || name == "style" || name == "head"
}

// extractText renders markup to text with block boundaries as blank lines.
// Whitespace inside text nodes, including source line breaks, becomes spaces.
func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(strings.Map(func(r rune) rune {
				if r == '\n' || r == '\r' {
					return ' '
				}
				return r
			}, node.Data))
		case html.ElementNode:
			if skipElement(node.Data) {
				return
			}
			if node.Data == "br" {
				buf.WriteString("\n")
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && blockElements[node.Data] {
			buf.WriteString("\n\n")
		}
	}
	walk(n)
	return buf.String()
}

// headingTitle returns the text of the first h1, else h2, else h3.
func headingTitle(doc *html.Node) string {
	found := map[string]string{}
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			if skipElement(node.Data) {
				return
			}
			switch node.Data {
			case "h1", "h2", "h3":
				if _, ok := found[node.Data]; !ok {
					if text := collapseSpace(extractText(node)); text != "" {
						found[node.Data] = text
					}
				}
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	for _, level := range []string{"h1", "h2", "h3"} {
		if title := found[level]; title != "" {
			return title
		}
	}
	return ""
}

// normalizeTextPreserveNewlines drops format and control characters, collapses
// whitespace within lines and keeps at most one blank line between paragraphs.
func normalizeTextPreserveNewlines(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune('\n')
		case r == 0 || unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.Is(unicode.Cf, r), unicode.IsControl(r):
			// BOM, zero-width characters, soft hyphens, bells
		default:
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	pendingBlank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			pendingBlank = len(out) > 0
			continue
		}
		if pendingBlank {
			out = append(out, "")
			pendingBlank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(normalizeTextPreserveNewlines(s)), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
