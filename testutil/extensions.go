package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/require"
)

// VSIXManifestFields is the minimal set of extension.vsixmanifest fields
// CreateVSIXManifest needs to produce a manifest store.ReadVSIXManifest
// will accept.
type VSIXManifestFields struct {
	Publisher   string
	Name        string
	Version     string
	DisplayName string
	Description string
	Tags        string
	Categories  string
	// Assets is rendered as <Asset Type="..." Path="..."
	// Addressable="true"/> entries, one per map entry; no VSIX package
	// asset is added beyond what the map lists.
	Assets map[string]string
}

// vsixManifestXML mirrors just enough of extension.vsixmanifest's schema
// to round-trip through store.ReadVSIXManifest.
type vsixManifestXML struct {
	XMLName xml.Name `xml:"PackageManifest"`
	Metadata struct {
		Identity struct {
			ID        string `xml:"Id,attr"`
			Version   string `xml:"Version,attr"`
			Publisher string `xml:"Publisher,attr"`
		} `xml:"Identity"`
		DisplayName string `xml:"DisplayName"`
		Description string `xml:"Description"`
		Tags        string `xml:"Tags"`
		Categories  string `xml:"Categories"`
	} `xml:"Metadata"`
	Assets struct {
		Asset []vsixAssetXML `xml:"Asset"`
	} `xml:"Assets"`
}

type vsixAssetXML struct {
	Type        string `xml:"Type,attr"`
	Path        string `xml:"Path,attr"`
	Addressable string `xml:"Addressable,attr"`
}

// CreateVSIXManifest renders fields into extension.vsixmanifest XML bytes.
func CreateVSIXManifest(fields VSIXManifestFields) []byte {
	var m vsixManifestXML
	m.Metadata.Identity.ID = fields.Name
	m.Metadata.Identity.Version = fields.Version
	m.Metadata.Identity.Publisher = fields.Publisher
	m.Metadata.DisplayName = fields.DisplayName
	m.Metadata.Description = fields.Description
	m.Metadata.Tags = fields.Tags
	m.Metadata.Categories = fields.Categories
	for typ, path := range fields.Assets {
		m.Assets.Asset = append(m.Assets.Asset, vsixAssetXML{Type: typ, Path: path, Addressable: "true"})
	}
	raw, err := xml.Marshal(m)
	if err != nil {
		panic(err)
	}
	return raw
}

type zipEntry struct {
	name string
	body []byte
}

// CreateVSIX zips the given named files together into a VSIX payload.
func CreateVSIX(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	entries := make([]zipEntry, 0, len(files))
	for name, body := range files {
		entries = append(entries, zipEntry{name: name, body: body})
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, e := range entries {
		fw, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write(e.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// CreateVSIXFromManifest wraps manifestXML (and an icon, since real VSIXes
// always carry one) into a complete VSIX payload.
func CreateVSIXFromManifest(t *testing.T, manifestXML []byte) []byte {
	t.Helper()
	return CreateVSIX(t, map[string][]byte{
		"extension.vsixmanifest": manifestXML,
		"extension/icon.png":     []byte("fake icon"),
	})
}

// CreateVSIXFromFields is the common case: build a full VSIX payload
// straight from VSIXManifestFields.
func CreateVSIXFromFields(t *testing.T, fields VSIXManifestFields) []byte {
	t.Helper()
	return CreateVSIXFromManifest(t, CreateVSIXManifest(fields))
}
