package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/airgap-marketplace/store"
	"github.com/coder/airgap-marketplace/testutil"
)

func TestReadVSIXManifestParsesIdentityAndMetadata(t *testing.T) {
	t.Parallel()

	vsix := testutil.CreateVSIXFromFields(t, testutil.VSIXManifestFields{
		Publisher:   "foo",
		Name:        "bar",
		Version:     "1.0.0",
		DisplayName: "Bar",
		Description: "does bar things",
		Tags:        "tag1, tag2",
		Categories:  "category1",
		Assets: map[string]string{
			"Microsoft.VisualStudio.Services.Icons.Default": "extension/icon.png",
		},
	})

	m, err := store.ReadVSIXManifest(vsix)
	require.NoError(t, err)
	require.Equal(t, "foo.bar", m.Identifier())

	meta := m.ToExtensionMetadata()
	require.Equal(t, "foo.bar", meta.Identifier)
	require.Equal(t, "Bar", meta.DisplayName)
	require.Equal(t, "does bar things", meta.ShortDescription)
	require.Equal(t, "foo", meta.Publisher.Name)
	require.Equal(t, []string{"tag1", "tag2"}, meta.Tags)
	require.Equal(t, []string{"category1"}, meta.Categories)

	require.Len(t, m.Assets.Asset, 1)
	require.Equal(t, "Microsoft.VisualStudio.Services.Icons.Default", m.Assets.Asset[0].Type)
	require.Equal(t, "extension/icon.png", m.Assets.Asset[0].Path)
}

func TestReadVSIXManifestRejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	vsix := testutil.CreateVSIXFromFields(t, testutil.VSIXManifestFields{
		Name:    "bar",
		Version: "1.0.0",
		// Publisher deliberately omitted.
	})

	_, err := store.ReadVSIXManifest(vsix)
	require.Error(t, err)
}

func TestReadVSIXManifestErrorsWhenManifestMissing(t *testing.T) {
	t.Parallel()

	vsix := testutil.CreateVSIX(t, map[string][]byte{"extension/icon.png": []byte("fake icon")})

	_, err := store.ReadVSIXManifest(vsix)
	require.Error(t, err)
}
