package fsbackend

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/internal/gitpath"
	"github.com/Nivl/git-go/internal/testhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestReference(t *testing.T) {
	t.Run("Should fail if reference doesn't exists", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		defer cleanup()

		b, err := New(filepath.Join(repoPath, gitpath.DotGitPath))
		require.NoError(t, err)
		ref, err := b.Reference("refs/heads/doesnt_exists")
		require.Error(t, err)
		assert.True(t, xerrors.Is(err, ginternals.ErrRefNotFound), "unexpected error returned")
		assert.Nil(t, ref)
	})

	t.Run("Should success to follow a symbolic ref", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		defer cleanup()

		b, err := New(filepath.Join(repoPath, gitpath.DotGitPath))
		require.NoError(t, err)
		ref, err := b.Reference(ginternals.Head)
		require.NoError(t, err)
		require.NotNil(t, ref)

		expectedTarget, err := ginternals.NewOidFromStr("bbb720a96e4c29b9950a4c577c98470a4d5dd089")
		require.NoError(t, err)
		assert.Equal(t, ginternals.Head, ref.Name())
		assert.Equal(t, "refs/heads/ml/packfile/tests", ref.SymbolicTarget())
		assert.Equal(t, expectedTarget, ref.Target())
	})

	t.Run("Should success to follow an oid ref", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		defer cleanup()

		b, err := New(filepath.Join(repoPath, gitpath.DotGitPath))
		require.NoError(t, err)
		ref, err := b.Reference("refs/heads/master")
		require.NoError(t, err)
		require.NotNil(t, ref)

		expectedTarget, err := ginternals.NewOidFromStr("bbb720a96e4c29b9950a4c577c98470a4d5dd089")
		require.NoError(t, err)
		assert.Equal(t, "refs/heads/master", ref.Name())
		assert.Empty(t, ref.SymbolicTarget())
		assert.Equal(t, expectedTarget, ref.Target())
	})
}

func TestParsePackedRefs(t *testing.T) {
	t.Run("Should return empty list if no files", func(t *testing.T) {
		t.Parallel()

		dir, err := ioutil.TempDir("", "fsbackend-init-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		b, err := New(dir)
		require.NoError(t, err)
		err = b.Init()
		require.NoError(t, err)

		data, peeled, err := b.parsePackedRefs()
		require.NoError(t, err)
		assert.NotNil(t, data)
		assert.Empty(t, data)
		assert.Empty(t, peeled)
	})

	t.Run("Should fail if file contains invalid data", func(t *testing.T) {
		t.Parallel()

		dir, err := ioutil.TempDir("", "fsbackend-init-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		b, err := New(dir)
		require.NoError(t, err)
		err = b.Init()
		require.NoError(t, err)
		fPath := filepath.Join(b.root, gitpath.PackedRefsPath)
		err = ioutil.WriteFile(fPath, []byte("not valid data"), 0o644)
		require.NoError(t, err)

		_, _, err = b.parsePackedRefs()
		require.Error(t, err)
		assert.True(t, xerrors.Is(err, ginternals.ErrPackedRefInvalid), "unexpected error received")
	})

	t.Run("Should fail if a peel line has no preceding ref", func(t *testing.T) {
		t.Parallel()

		dir, err := ioutil.TempDir("", "fsbackend-init-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		b, err := New(dir)
		require.NoError(t, err)
		err = b.Init()
		require.NoError(t, err)
		fPath := filepath.Join(b.root, gitpath.PackedRefsPath)
		err = ioutil.WriteFile(fPath, []byte("^de111c003b5661db802f17ac69419dcb9f4f3137\n# this is a comment"), 0o644)
		require.NoError(t, err)

		_, _, err = b.parsePackedRefs()
		require.Error(t, err)
		assert.True(t, xerrors.Is(err, ginternals.ErrPackedRefInvalid), "unexpected error received")
	})

	t.Run("Should pass with comments and keep peel lines", func(t *testing.T) {
		t.Parallel()

		dir, err := ioutil.TempDir("", "fsbackend-init-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		b, err := New(dir)
		require.NoError(t, err)
		err = b.Init()
		require.NoError(t, err)
		fPath := filepath.Join(b.root, gitpath.PackedRefsPath)
		content := "# pack-refs with: peeled fully-peeled sorted\n" +
			"a1fdd3b7e5d87b32a58a95bb9df8abcd01234567 refs/tags/v1.0.0\n" +
			"^de111c003b5661db802f17ac69419dcb9f4f3137\n"
		err = ioutil.WriteFile(fPath, []byte(content), 0o644)
		require.NoError(t, err)

		refs, peeled, err := b.parsePackedRefs()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"refs/tags/v1.0.0": "a1fdd3b7e5d87b32a58a95bb9df8abcd01234567"}, refs)
		assert.Equal(t, map[string]string{"refs/tags/v1.0.0": "de111c003b5661db802f17ac69419dcb9f4f3137"}, peeled)
	})

	t.Run("Should correctly extract data", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		defer cleanup()

		b, err := New(filepath.Join(repoPath, gitpath.DotGitPath))
		require.NoError(t, err)

		data, _, err := b.parsePackedRefs()
		require.NoError(t, err)
		require.Len(t, data, 8)
		expected := map[string]string{
			"refs/heads/master":                     "bbb720a96e4c29b9950a4c577c98470a4d5dd089",
			"refs/heads/ml/cleanup-062020":          "b328320060eb503cf337c7cff281712ef236963a",
			"refs/heads/ml/packfile/tests":          "bbb720a96e4c29b9950a4c577c98470a4d5dd089",
			"refs/heads/ml/tests":                   "f0f70144f38695250606b86a50cff2b440a417f3",
			"refs/remotes/origin/master":            "bbb720a96e4c29b9950a4c577c98470a4d5dd089",
			"refs/remotes/origin/ml/cleanup-062020": "b328320060eb503cf337c7cff281712ef236963a",
			"refs/remotes/origin/ml/feat/clone":     "5f35f2dc6cec7356da02ca26192ce2bc3f271e79",
			"refs/stash":                            "3fe6cf63fceced491a79fe634eb1e2c888225707",
		}
		assert.Equal(t, expected, data)
	})

	t.Run("PeeledTarget should return the peeled oid for an annotated tag", func(t *testing.T) {
		t.Parallel()

		dir, err := ioutil.TempDir("", "fsbackend-init-")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		b, err := New(dir)
		require.NoError(t, err)
		err = b.Init()
		require.NoError(t, err)
		fPath := filepath.Join(b.root, gitpath.PackedRefsPath)
		content := "a1fdd3b7e5d87b32a58a95bb9df8abcd01234567 refs/tags/v1.0.0\n" +
			"^de111c003b5661db802f17ac69419dcb9f4f3137\n" +
			"a1fdd3b7e5d87b32a58a95bb9df8abcd09876543 refs/tags/lightweight\n"
		err = ioutil.WriteFile(fPath, []byte(content), 0o644)
		require.NoError(t, err)

		expected, err := ginternals.NewOidFromStr("de111c003b5661db802f17ac69419dcb9f4f3137")
		require.NoError(t, err)
		id, found, err := b.PeeledTarget("refs/tags/v1.0.0")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, expected, id)

		_, found, err = b.PeeledTarget("refs/tags/lightweight")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = b.PeeledTarget("refs/tags/doesnt-exist")
		require.NoError(t, err)
		assert.False(t, found)
	})
}
