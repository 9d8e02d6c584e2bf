// Package epubtest builds small EPUB packages for tests.
package epubtest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// Book describes the package to build.
type Book struct {
	Title    string
	Author   string
	Language string
	// Publisher is optional.
	Publisher string
	Chapters  []Chapter
	// NavInSpine places the navigation document first in the spine, the
	// way some producers do.
	NavInSpine bool
}

// Chapter is one spine item. Body is the inner markup of <body>.
type Chapter struct {
	ID        string
	Body      string
	MediaType string // defaults to application/xhtml+xml
}

// Bytes renders the package as a zip archive.
func (b Book) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// mimetype must be first and uncompressed
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, fmt.Errorf("create mimetype: %w", err)
	}
	if _, err := w.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := []struct {
		name    string
		content string
	}{
		{"META-INF/container.xml", containerXML},
		{"OEBPS/content.opf", b.packageDocument()},
		{"OEBPS/nav.xhtml", b.navigation()},
		{"OEBPS/toc.ncx", b.ncx()},
	}
	for i, ch := range b.Chapters {
		files = append(files, struct {
			name    string
			content string
		}{"OEBPS/" + chapterHref(i, ch), chapterDocument(ch.Body)})
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", f.name, err)
		}
		if _, err := w.Write([]byte(f.content)); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the package to path.
func (b Book) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// MustBytes is Bytes for tests.
func MustBytes(tb testing.TB, b Book) []byte {
	tb.Helper()
	data, err := b.Bytes()
	if err != nil {
		tb.Fatalf("build epub: %v", err)
	}
	return data
}

// WriteTemp writes the package into a test temp dir and returns its path.
func WriteTemp(tb testing.TB, b Book) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "book.epub")
	if err := b.WriteFile(path); err != nil {
		tb.Fatalf("write epub: %v", err)
	}
	return path
}

// Simple returns a book with one <h1>-titled chapter per entry of titles;
// each chapter body carries a paragraph "Text of <title>".
func Simple(title, author string, titles ...string) Book {
	b := Book{Title: title, Author: author}
	for i, t := range titles {
		b.Chapters = append(b.Chapters, Chapter{
			ID:   fmt.Sprintf("ch_%03d", i+1),
			Body: fmt.Sprintf("<h1>%s</h1>\n<p>Text of %s</p>", escapeXML(t), escapeXML(t)),
		})
	}
	return b
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

func (b Book) packageDocument() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="pub-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
`)
	sb.WriteString(fmt.Sprintf("    <dc:identifier id=\"pub-id\">urn:uuid:%s</dc:identifier>\n", uuid.NewString()))
	if b.Title != "" {
		sb.WriteString(fmt.Sprintf("    <dc:title>%s</dc:title>\n", escapeXML(b.Title)))
	}
	if b.Author != "" {
		sb.WriteString(fmt.Sprintf("    <dc:creator>%s</dc:creator>\n", escapeXML(b.Author)))
	}
	lang := b.Language
	if lang == "" {
		lang = "en"
	}
	sb.WriteString(fmt.Sprintf("    <dc:language>%s</dc:language>\n", lang))
	if b.Publisher != "" {
		sb.WriteString(fmt.Sprintf("    <dc:publisher>%s</dc:publisher>\n", escapeXML(b.Publisher)))
	}
	sb.WriteString("  </metadata>\n  <manifest>\n")
	sb.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	sb.WriteString("    <item id=\"ncx\" href=\"toc.ncx\" media-type=\"application/x-dtbncx+xml\"/>\n")
	for i, ch := range b.Chapters {
		mediaType := ch.MediaType
		if mediaType == "" {
			mediaType = "application/xhtml+xml"
		}
		sb.WriteString(fmt.Sprintf("    <item id=\"%s\" href=\"%s\" media-type=\"%s\"/>\n", chapterID(i, ch), chapterHref(i, ch), mediaType))
	}
	sb.WriteString("  </manifest>\n  <spine toc=\"ncx\">\n")
	if b.NavInSpine {
		sb.WriteString("    <itemref idref=\"nav\"/>\n")
	}
	for i, ch := range b.Chapters {
		sb.WriteString(fmt.Sprintf("    <itemref idref=\"%s\"/>\n", chapterID(i, ch)))
	}
	sb.WriteString("  </spine>\n</package>\n")
	return sb.String()
}

func (b Book) navigation() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>Contents</title></head>
<body>
  <nav epub:type="toc"><h1>Table of Contents</h1><ol>
`)
	for i, ch := range b.Chapters {
		sb.WriteString(fmt.Sprintf("    <li><a href=\"%s\">%s</a></li>\n", chapterHref(i, ch), chapterID(i, ch)))
	}
	sb.WriteString("  </ol></nav>\n</body>\n</html>\n")
	return sb.String()
}

func (b Book) ncx() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <docTitle><text>`)
	sb.WriteString(escapeXML(b.Title))
	sb.WriteString("</text></docTitle>\n  <navMap>\n")
	for i, ch := range b.Chapters {
		sb.WriteString(fmt.Sprintf("    <navPoint id=\"np-%d\" playOrder=\"%d\"><navLabel><text>%s</text></navLabel><content src=\"%s\"/></navPoint>\n",
			i+1, i+1, chapterID(i, ch), chapterHref(i, ch)))
	}
	sb.WriteString("  </navMap>\n</ncx>\n")
	return sb.String()
}

func chapterDocument(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Document Title</title><style>p { margin: 0; }</style></head>
<body>
` + body + `
</body>
</html>
`
}

func chapterID(i int, ch Chapter) string {
	if ch.ID != "" {
		return ch.ID
	}
	return fmt.Sprintf("ch_%03d", i+1)
}

func chapterHref(i int, ch Chapter) string {
	return "chapters/" + chapterID(i, ch) + ".xhtml"
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
