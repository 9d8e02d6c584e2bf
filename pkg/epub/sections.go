package epub

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/net/html"
)

// SectionReader yields the non-empty content documents of a package in
// reading order. It is single pass and not safe for concurrent use.
type SectionReader struct {
	a      *archive
	hrefs  []string
	pos    int
	number int
	err    error // sticky terminal error
}

// OpenSections opens the archive at path and resolves its reading order.
// Failures to open the archive or its container are returned as *ParseError.
func OpenSections(path string) (*SectionReader, error) {
	a, err := openArchive(path)
	if err != nil {
		return nil, err
	}
	return &SectionReader{a: a, hrefs: a.contentHrefs()}, nil
}

// Next returns the next non-empty section. It returns io.EOF after the last
// one; every error is terminal and repeated by later calls.
func (r *SectionReader) Next(ctx context.Context) (Section, error) {
	if r.err != nil {
		return Section{}, r.err
	}
	for r.pos < len(r.hrefs) {
		if err := ctx.Err(); err != nil {
			r.err = err
			return Section{}, err
		}
		href := r.hrefs[r.pos]
		r.pos++

		data, err := r.a.read(href)
		if err != nil {
			r.err = &ParseError{Op: "read section", Entry: href, Err: err}
			return Section{}, r.err
		}
		doc, err := html.Parse(bytes.NewReader(data))
		if err != nil {
			r.err = &ParseError{Op: "parse section", Entry: href, Err: err}
			return Section{}, r.err
		}
		text := normalizeTextPreserveNewlines(extractText(doc))
		if text == "" {
			continue
		}
		r.number++
		title := headingTitle(doc)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", r.number)
		}
		return Section{
			Number: r.number,
			Title:  truncateRunes(title, MaxTitleRunes),
			Text:   text,
			Href:   href,
		}, nil
	}
	r.err = io.EOF
	return Section{}, io.EOF
}

// Close releases the archive. Later calls to Next return ErrClosed unless
// the reader had already reached a terminal error.
func (r *SectionReader) Close() error {
	if r.a == nil {
		return nil
	}
	err := r.a.Close()
	r.a = nil
	if r.err == nil {
		r.err = ErrClosed
	}
	return err
}
