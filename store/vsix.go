package store

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/xerrors"

	"github.com/coder/airgap-marketplace/errs"
)

// VSIXManifest is the subset of a VSIX's extension.vsixmanifest the mirror
// needs to file a downloaded extension away and answer queries about it.
// Carried from the teacher's storage.VSIXManifest.
type VSIXManifest struct {
	Metadata struct {
		Description  string `xml:"Description"`
		DisplayName  string `xml:"DisplayName"`
		Identity     struct {
			ID             string `xml:"Id,attr"`
			Version        string `xml:",attr"`
			Publisher      string `xml:",attr"`
			TargetPlatform string `xml:",attr"`
		} `xml:"Identity"`
		Tags         string `xml:"Tags"`
		GalleryFlags string `xml:"GalleryFlags"`
		Categories   string `xml:"Categories"`
		Properties   struct {
			Property []struct {
				ID    string `xml:"Id,attr"`
				Value string `xml:",attr"`
			} `xml:"Property"`
		} `xml:"Properties"`
	} `xml:"Metadata"`
	Assets struct {
		Asset []struct {
			Type        string `xml:",attr"`
			Path        string `xml:",attr"`
			Addressable string `xml:",attr"`
		} `xml:"Asset"`
	} `xml:"Assets"`
}

// WalkZip applies fn over every file in a zip archive; if fn returns true a
// reader for that file is returned immediately. Carried from the teacher's
// storage/zip.go.
func WalkZip(raw []byte, fn func(*zip.File) (bool, error)) (io.ReadCloser, error) {
	b := bytes.NewReader(raw)
	zr, err := zip.NewReader(b, b.Size())
	if err != nil {
		return nil, errs.Wrap(errs.KindAssetIntegrityMismatch, "open vsix as zip", err)
	}
	for _, zf := range zr.File {
		stop, err := fn(zf)
		if err != nil {
			return nil, err
		}
		if stop {
			return zf.Open()
		}
	}
	return nil, nil
}

// GetZipFileReader returns a reader for a single named file in a zip.
func GetZipFileReader(raw []byte, name string) (io.ReadCloser, error) {
	r, err := WalkZip(raw, func(f *zip.File) (bool, error) { return f.Name == name, nil })
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, xerrors.Errorf("%s not found in vsix", name)
	}
	return r, nil
}

// ReadVSIXManifest parses extension.vsixmanifest out of a VSIX payload.
func ReadVSIXManifest(vsix []byte) (*VSIXManifest, error) {
	r, err := GetZipFileReader(vsix, "extension.vsixmanifest")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var m VSIXManifest
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamMalformedResponse, "decode vsixmanifest", err)
	}
	if m.Metadata.Identity.Publisher == "" || m.Metadata.Identity.ID == "" || m.Metadata.Identity.Version == "" {
		return &m, errs.New(errs.KindUpstreamMalformedResponse, "vsixmanifest missing publisher, id, or version")
	}
	return &m, nil
}

// Identifier returns "publisher.name" for the manifest.
func (m *VSIXManifest) Identifier() string {
	return m.Metadata.Identity.Publisher + "." + m.Metadata.Identity.ID
}

// ToExtensionMetadata converts a parsed manifest into the canonical
// metadata fields of an Extension, carried from the teacher's
// database/nodb.go convertManifestToExtension.
func (m *VSIXManifest) ToExtensionMetadata() Extension {
	return Extension{
		Identifier:       m.Identifier(),
		DisplayName:      m.Metadata.DisplayName,
		ShortDescription: m.Metadata.Description,
		Publisher: Publisher{
			Name:        m.Metadata.Identity.Publisher,
			DisplayName: m.Metadata.Identity.Publisher,
		},
		Tags:       splitNonEmpty(m.Metadata.Tags, ","),
		Categories: splitNonEmpty(m.Metadata.Categories, ","),
		Flags:      splitNonEmpty(strings.ToLower(m.Metadata.GalleryFlags), ","),
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
