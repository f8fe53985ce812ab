package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/airgap-marketplace/store"
)

func TestBuildSnapshotIndexesByTagCategoryPublisher(t *testing.T) {
	t.Parallel()

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.PublishExtension(&store.Extension{
		Identifier: "acme.widgets",
		Publisher:  store.Publisher{Name: "acme"},
		Tags:       []string{"Python", "linting"},
		Categories: []string{"Programming Languages"},
	}))
	require.NoError(t, s.PublishExtension(&store.Extension{
		Identifier: "acme.gadgets",
		Publisher:  store.Publisher{Name: "acme"},
		Tags:       []string{"go"},
	}))

	snap := store.BuildSnapshot(context.Background(), s)
	require.Len(t, snap.Extensions(), 2)

	ext, ok := snap.ByIdentifier("ACME.Widgets")
	require.True(t, ok)
	require.Equal(t, "acme.widgets", ext.Identifier)

	require.Len(t, snap.ByTag("python"), 1)
	require.Len(t, snap.ByPublisher("acme"), 2)
	require.Len(t, snap.ByCategory("programming languages"), 1)

	_, ok = snap.ByIdentifier("nonexistent.ext")
	require.False(t, ok)
}

func TestIndexPublishSwapsAtomically(t *testing.T) {
	t.Parallel()

	idx := store.NewIndex()
	require.Nil(t, idx.Current())

	s, err := store.New(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	snap1 := store.BuildSnapshot(context.Background(), s)
	idx.Publish(snap1)
	require.Same(t, snap1, idx.Current())

	require.NoError(t, s.PublishExtension(&store.Extension{Identifier: "foo.bar"}))
	snap2 := store.BuildSnapshot(context.Background(), s)
	idx.Publish(snap2)
	require.Same(t, snap2, idx.Current())
	require.NotSame(t, snap1, snap2)
}
