package store_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/coder/airgap-marketplace/store"
)

func testLogger(t *testing.T) slog.Logger {
	return slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)
}

func TestOpenWriteCommit(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	h, err := s.OpenWrite("extensions/foo.bar/1.0.0/extension.vsix")
	require.NoError(t, err)
	_, err = h.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, h.Commit())

	require.True(t, s.Has("extensions/foo.bar/1.0.0/extension.vsix", int64(len("hello world")), ""))

	data, err := os.ReadFile(filepath.Join(s.Root(), "extensions/foo.bar/1.0.0/extension.vsix"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	// No temp file should remain.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "extensions/foo.bar/1.0.0"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestOpenWriteAbortLeavesNoFinalFile(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	h, err := s.OpenWrite("extensions/foo.bar/1.0.0/extension.vsix")
	require.NoError(t, err)
	_, err = h.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, h.Abort())

	require.False(t, s.Has("extensions/foo.bar/1.0.0/extension.vsix", 0, ""))
	entries, err := os.ReadDir(filepath.Join(s.Root(), "extensions/foo.bar/1.0.0"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHasDetectsSizeMismatch(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	h, err := s.OpenWrite("extensions/foo.bar/1.0.0/extension.vsix")
	require.NoError(t, err)
	_, err = h.Write(bytes.Repeat([]byte("a"), 10))
	require.NoError(t, err)
	require.NoError(t, h.Commit())

	require.False(t, s.Has("extensions/foo.bar/1.0.0/extension.vsix", 999, ""))
	require.True(t, s.Has("extensions/foo.bar/1.0.0/extension.vsix", 10, ""))
}

func TestListExtensionsSkipsMissingLatestJSON(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.PublishExtension(&store.Extension{Identifier: "foo.bar"}))
	// A half-written extension with no latest.json yet.
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "extensions", "incomplete.ext"), 0o755))

	var found []string
	for ext := range s.ListExtensions(context.Background()) {
		found = append(found, ext.Identifier)
	}
	require.Equal(t, []string{"foo.bar"}, found)
}

func TestRemoveIsRecursive(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	h, err := s.OpenWrite("extensions/foo.bar/1.0.0/extension.vsix")
	require.NoError(t, err)
	require.NoError(t, h.Commit())

	require.NoError(t, s.RemoveExtension("foo.bar"))
	_, err = os.Stat(filepath.Join(s.Root(), "extensions", "foo.bar"))
	require.True(t, os.IsNotExist(err))
}

func TestRetainExtensionVersionsKeepsNewestAndRetainSet(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0", "2.0.0"} {
		h, err := s.OpenWrite(filepath.Join("extensions", "foo.bar", v, "extension.vsix"))
		require.NoError(t, err)
		require.NoError(t, h.Commit())
	}

	kept := s.RetainExtensionVersions("foo.bar", 1, map[string]bool{"1.0.0": true}, testLogger(t))

	var keptStrs []string
	for _, v := range kept {
		keptStrs = append(keptStrs, v.String())
	}
	require.ElementsMatch(t, []string{"2.0.0", "1.0.0"}, keptStrs)

	dirs := s.ExtensionVersionDirs("foo.bar")
	require.ElementsMatch(t, []string{"2.0.0", "1.0.0"}, dirs)
}
