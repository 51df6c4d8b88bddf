package publish

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
)

func TestInstallHardLinksIntoDestDir(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	artifact := filepath.Join(srcDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0o644))

	p := New("", destDir, filepath.Join(destDir, "staging"))
	require.NoError(t, p.Install(buildworker.Artifact{Pkgname: "foo"}, artifact, false))

	dst := filepath.Join(destDir, filepath.Base(artifact))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestInstallRoutesToStagingWhenRequested(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	stagingDir := filepath.Join(destDir, "staging")

	artifact := filepath.Join(srcDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0o644))

	p := New("", destDir, stagingDir)
	require.NoError(t, p.Install(buildworker.Artifact{Pkgname: "foo"}, artifact, true))

	_, err := os.Stat(filepath.Join(stagingDir, filepath.Base(artifact)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(destDir, filepath.Base(artifact)))
	assert.True(t, os.IsNotExist(err), "staged artifact must not also land in the main repo dir")
}

func TestInstallRepeatedIsBenign(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	artifact := filepath.Join(srcDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0o644))

	p := New("", destDir, destDir)
	require.NoError(t, p.Install(buildworker.Artifact{Pkgname: "foo"}, artifact, false))
	// Re-installing the identical artifact (e.g. a re-run of the same
	// batch) must not be an error.
	require.NoError(t, p.Install(buildworker.Artifact{Pkgname: "foo"}, artifact, false))
}

func TestInstallAlsoLinksSignatureSidecar(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	artifact := filepath.Join(srcDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(artifact, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(artifact+".sig", []byte("sig"), 0o644))

	p := New("", destDir, destDir)
	require.NoError(t, p.Install(buildworker.Artifact{Pkgname: "foo"}, artifact, false))

	_, err := os.Stat(filepath.Join(destDir, filepath.Base(artifact)+".sig"))
	assert.NoError(t, err)
}
