package epub

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
)

const containerPath = "META-INF/container.xml"

type containerDoc struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type packageDoc struct {
	Metadata struct {
		Titles      []string `xml:"title"`
		Creators    []string `xml:"creator"`
		Languages   []string `xml:"language"`
		Identifiers []string `xml:"identifier"`
		Publishers  []string `xml:"publisher"`
	} `xml:"metadata"`
	Manifest []manifestItem `xml:"manifest>item"`
	Spine    struct {
		Toc      string `xml:"toc,attr"`
		Itemrefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

// archive is an opened package with its entries indexed by name.
type archive struct {
	zr      *zip.ReadCloser
	files   map[string]*zip.File
	folded  map[string]*zip.File
	opfPath string
	pkg     packageDoc
}

func openArchive(p string) (*archive, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, &ParseError{Op: "open archive", Err: err}
	}
	a := &archive{
		zr:     zr,
		files:  make(map[string]*zip.File, len(zr.File)),
		folded: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		a.files[f.Name] = f
		a.folded[strings.ToLower(f.Name)] = f
	}
	if err := a.loadPackage(); err != nil {
		_ = zr.Close()
		return nil, err
	}
	return a, nil
}

func (a *archive) Close() error {
	return a.zr.Close()
}

func (a *archive) loadPackage() error {
	data, err := a.read(containerPath)
	if err != nil {
		return &ParseError{Op: "read container", Entry: containerPath, Err: err}
	}
	var c containerDoc
	if err := xml.Unmarshal(data, &c); err != nil {
		return &ParseError{Op: "parse container", Entry: containerPath, Err: err}
	}
	for _, rf := range c.Rootfiles {
		if strings.TrimSpace(rf.FullPath) == "" {
			continue
		}
		if rf.MediaType == "" || rf.MediaType == "application/oebps-package+xml" {
			a.opfPath = strings.TrimPrefix(strings.TrimSpace(rf.FullPath), "/")
			break
		}
	}
	if a.opfPath == "" {
		return &ParseError{Op: "parse container", Entry: containerPath, Err: errors.New("no package rootfile")}
	}
	data, err = a.read(a.opfPath)
	if err != nil {
		return &ParseError{Op: "read package", Entry: a.opfPath, Err: err}
	}
	if err := xml.Unmarshal(data, &a.pkg); err != nil {
		return &ParseError{Op: "parse package", Entry: a.opfPath, Err: err}
	}
	return nil
}

// read returns the decompressed entry, bounded by maxEntryBytes.
func (a *archive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		f, ok = a.folded[strings.ToLower(name)]
	}
	if !ok {
		return nil, fmt.Errorf("entry %q not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("entry %q exceeds %d bytes", name, maxEntryBytes)
	}
	return data, nil
}

// contentHrefs returns archive paths of spine content documents in reading
// order, skipping navigation documents and non-markup items.
func (a *archive) contentHrefs() []string {
	byID := make(map[string]manifestItem, len(a.pkg.Manifest))
	for _, item := range a.pkg.Manifest {
		byID[item.ID] = item
	}
	base := path.Dir(a.opfPath)
	hrefs := make([]string, 0, len(a.pkg.Spine.Itemrefs))
	for _, ref := range a.pkg.Spine.Itemrefs {
		item, ok := byID[ref.IDRef]
		if !ok {
			continue
		}
		if isNavigation(item, a.pkg.Spine.Toc) || !isContentDocument(item.MediaType) {
			continue
		}
		href := resolveHref(base, item.Href)
		if href == "" {
			continue
		}
		hrefs = append(hrefs, href)
	}
	return hrefs
}

func isNavigation(item manifestItem, tocID string) bool {
	if tocID != "" && item.ID == tocID {
		return true
	}
	for _, prop := range strings.Fields(item.Properties) {
		if prop == "nav" {
			return true
		}
	}
	return false
}

func isContentDocument(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mediaType))
	}
	return mt == "application/xhtml+xml" || mt == "text/html"
}

func resolveHref(base, href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	return path.Clean(path.Join(base, href))
}
