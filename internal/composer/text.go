package composer

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "blockquote": true, "hr": true, "section": true, "header": true, "footer": true,
}

var skipTags = map[string]bool{"script": true, "style": true, "head": true, "title": true}

type textWriter struct {
	b       strings.Builder
	pending bool
}

func (w *textWriter) newline() {
	w.pending = false
	s := w.b.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	w.b.WriteByte('\n')
}

// lineStart ends the current line without opening a paragraph.
func (w *textWriter) lineStart() {
	w.pending = false
	s := w.b.String()
	if s == "" || strings.HasSuffix(s, "\n") {
		return
	}
	w.b.WriteByte('\n')
}

func (w *textWriter) text(raw string) {
	words := strings.Fields(raw)
	if len(words) == 0 {
		w.pending = w.pending || raw != ""
		return
	}
	if (w.pending || unicode.IsSpace(rune(raw[0]))) && w.b.Len() > 0 {
		s := w.b.String()
		if !strings.HasSuffix(s, "\n") && !strings.HasSuffix(s, " ") {
			w.b.WriteByte(' ')
		}
	}
	w.b.WriteString(strings.Join(words, " "))
	w.pending = unicode.IsSpace(rune(raw[len(raw)-1]))
}

// HTMLToText derives the plain text alternative of an html body. Links keep
// their target in brackets; script and style contents are dropped.
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		w    textWriter
		skip int
		href []string
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidy(w.b.String())
		case html.TextToken:
			if skip == 0 {
				w.text(string(z.Text()))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch {
			case skipTags[tag]:
				if tt == html.StartTagToken {
					skip++
				}
			case tag == "a":
				target := ""
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "href" {
						target = string(v)
					}
				}
				href = append(href, target)
			case tag == "li":
				w.lineStart()
				w.b.WriteString("* ")
			case blockTags[tag]:
				w.newline()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case skipTags[tag]:
				if skip > 0 {
					skip--
				}
			case tag == "a":
				if n := len(href); n > 0 {
					target := href[n-1]
					href = href[:n-1]
					if target != "" && !strings.HasPrefix(target, "#") && !strings.HasPrefix(target, "mailto:") {
						w.b.WriteString(" [" + target + "]")
					}
				}
			case tag == "li":
				w.lineStart()
			case blockTags[tag]:
				w.newline()
			}
		}
	}
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out := strings.Join(lines, "\n")
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}
