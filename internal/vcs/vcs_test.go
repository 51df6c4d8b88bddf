package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) (string, *git.Repository, *git.Worktree) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return dir, repo, wt
}

func commitAll(t *testing.T, wt *git.Worktree, msg string) {
	t.Helper()
	_, err := wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestChangedPkgbasesDetectsTopLevelDir(t *testing.T) {
	dir, _, wt := initRepo(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo", "recipe.yaml"), []byte("managed: true\n"), 0o644))
	commitAll(t, wt, "add foo")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bar"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bar", "recipe.yaml"), []byte("managed: true\n"), 0o644))
	commitAll(t, wt, "add bar")

	repo, err := Open(dir)
	require.NoError(t, err)

	changed, err := repo.ChangedPkgbases("HEAD~1", "HEAD")
	require.NoError(t, err)
	assert.True(t, changed["bar"])
	assert.False(t, changed["foo"], "only bar's directory changed in the second commit")
}

func TestBlameMaintainerReturnsLastAuthor(t *testing.T) {
	dir, _, wt := initRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo", "recipe.yaml"), []byte("managed: true\n"), 0o644))
	commitAll(t, wt, "add foo")

	repo, err := Open(dir)
	require.NoError(t, err)

	maintainers, err := repo.BlameMaintainer("foo", filepath.Join(dir, "foo"))
	require.NoError(t, err)
	require.Len(t, maintainers, 1)
	assert.Equal(t, "tester@example.com", maintainers[0].Email)
}

func TestBlameMaintainerNoCommitsErrors(t *testing.T) {
	dir, _, wt := initRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo", "recipe.yaml"), []byte("managed: true\n"), 0o644))
	commitAll(t, wt, "unrelated")
	// No commit touches "bar/".
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bar"), 0o755))

	repo, err := Open(dir)
	require.NoError(t, err)

	_, err = repo.BlameMaintainer("bar", filepath.Join(dir, "bar"))
	assert.Error(t, err)
}
