package epub

import (
	"path/filepath"
	"strings"
)

// ExtractMetadata reads title and author from the package document. It never
// fails: when the archive cannot be read or has no title, the title falls back
// to fallbackName without its extension and the author is left empty.
func ExtractMetadata(path, fallbackName string) Metadata {
	fallback := Metadata{Title: fallbackTitle(fallbackName)}
	a, err := openArchive(path)
	if err != nil {
		return fallback
	}
	defer a.Close()

	md := a.pkg.Metadata
	meta := Metadata{
		Title:      first(md.Titles),
		Author:     first(md.Creators),
		Language:   first(md.Languages),
		Identifier: first(md.Identifiers),
		Publisher:  first(md.Publishers),
	}
	if meta.Title == "" {
		meta.Title = fallback.Title
	}
	meta.Title = truncateRunes(meta.Title, MaxTitleRunes)
	meta.Author = truncateRunes(meta.Author, MaxTitleRunes)
	return meta
}

func fallbackTitle(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}
	title := collapseSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" {
		title = "Untitled"
	}
	return truncateRunes(title, MaxTitleRunes)
}

func first(values []string) string {
	for _, v := range values {
		if v = collapseSpace(v); v != "" {
			return v
		}
	}
	return ""
}
