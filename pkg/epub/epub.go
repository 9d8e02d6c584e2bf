// Package epub reads EPUB 2/3 packages: metadata from the package document
// and the reading-order content documents as plain-text sections.
package epub

import (
	"errors"
	"fmt"
)

const (
	// MaxTitleRunes bounds titles taken from metadata or headings.
	MaxTitleRunes = 512
	// maxEntryBytes bounds the decompressed size of a single archive entry.
	maxEntryBytes = 64 << 20
)

// ErrClosed is returned by SectionReader.Next after Close.
var ErrClosed = errors.New("epub: section reader closed")

// ParseError reports a structural or read failure in an archive.
type ParseError struct {
	Op    string // e.g. "open archive", "read container", "read section"
	Entry string // archive entry involved, if any
	Err   error
}

func (e *ParseError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("epub: %s %s: %v", e.Op, e.Entry, e.Err)
	}
	return fmt.Sprintf("epub: %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Metadata is the descriptive information of a package.
type Metadata struct {
	Title      string
	Author     string
	Language   string
	Identifier string
	Publisher  string
}

// Section is one non-empty content document in reading order.
type Section struct {
	Number int // 1-based, counts only non-empty sections
	Title  string
	Text   string
	Href   string // archive path of the content document
}
