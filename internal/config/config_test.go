package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
repodir: /srv/repo
nvchecker_path: /usr/bin/nvchecker
workers:
  - name: w1
    kind: local
    max_concurrency: 4
`

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempFile(t, "lilac-bot.yaml", validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo", cfg.Repodir)
	assert.Len(t, cfg.Workers, 1)
	assert.Equal(t, WorkerKindLocal, cfg.Workers[0].Kind)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTempFile(t, "lilac-bot.yaml", validYAML+"\nbogus_field: true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMergesEnvFile(t *testing.T) {
	envPath := writeTempFile(t, ".env", "SECRET_TOKEN=abc123\n")
	path := writeTempFile(t, "lilac-bot.yaml", validYAML+"\nenv_file: "+envPath+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.Environment["SECRET_TOKEN"])
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Config{}
	err := cfg.validate()
	require.Error(t, err)
	var invalid *ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.GreaterOrEqual(t, len(invalid.Problems), 3)
}

func TestValidateDuplicateWorkerNames(t *testing.T) {
	cfg := Config{
		Repodir:       "/srv/repo",
		NvcheckerPath: "/usr/bin/nvchecker",
		Workers: []WorkerConfig{
			{Name: "w1", Kind: WorkerKindLocal, MaxConcurrency: 1},
			{Name: "w1", Kind: WorkerKindLocal, MaxConcurrency: 1},
		},
	}
	err := cfg.validate()
	require.Error(t, err)
	var invalid *ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Problems, 1)
}

func TestValidateRemoteSSHRequiresHost(t *testing.T) {
	cfg := Config{
		Repodir:       "/srv/repo",
		NvcheckerPath: "/usr/bin/nvchecker",
		Workers: []WorkerConfig{
			{Name: "w1", Kind: WorkerKindRemoteSSH, MaxConcurrency: 1},
		},
	}
	assert.Error(t, cfg.validate())
}

func TestValidateRemoteSSHRequiresKeyPath(t *testing.T) {
	cfg := Config{
		Repodir:       "/srv/repo",
		NvcheckerPath: "/usr/bin/nvchecker",
		Workers: []WorkerConfig{
			{Name: "w1", Kind: WorkerKindRemoteSSH, SSHHost: "builder.internal", MaxConcurrency: 1},
		},
	}
	err := cfg.validate()
	require.Error(t, err)
	var invalid *ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Problems, 1)
}

func TestValidateRemoteSSHWithHostAndKeyIsOK(t *testing.T) {
	cfg := Config{
		Repodir:       "/srv/repo",
		NvcheckerPath: "/usr/bin/nvchecker",
		Workers: []WorkerConfig{
			{Name: "w1", Kind: WorkerKindRemoteSSH, SSHHost: "builder.internal", SSHKeyPath: "/etc/lilac-bot/id_ed25519", MaxConcurrency: 1},
		},
	}
	assert.NoError(t, cfg.validate())
}
