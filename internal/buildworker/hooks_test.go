package buildworker

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
)

func TestRunHookEmptyScriptIsNoop(t *testing.T) {
	out, err := RunHook(context.Background(), "", HookEnv{}, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunHookReturnsTrimmedStdout(t *testing.T) {
	out, err := RunHook(context.Background(), "echo skip-reason", HookEnv{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "skip-reason", out)
}

func TestRunHookExposesEnvVars(t *testing.T) {
	env := HookEnv{Pkgbase: "foo", Pkgdir: t.TempDir(), Version: pkgver.PkgVers{PkgVer: "1.0", PkgRel: "2"}}
	out, err := RunHook(context.Background(), `echo "$PKGBASE $PKGVER $PKGREL"`, env, nil)
	require.NoError(t, err)
	assert.Equal(t, "foo 1.0 2", out)
}

func TestRunHookCanExecExternalCommandsFromPATH(t *testing.T) {
	var stderr bytes.Buffer
	// Regression: the hook environment must inherit the process's PATH
	// so a hook that shells out to a real tool (sed, curl, updpkgsums)
	// can find it.
	out, err := RunHook(context.Background(), "echo hi | sed 's/hi/bye/'", HookEnv{}, &stderr)
	require.NoError(t, err, stderr.String())
	assert.Equal(t, "bye", out)
}

func TestRunHookErrorOnBadScript(t *testing.T) {
	_, err := RunHook(context.Background(), "exit 1", HookEnv{}, nil)
	assert.Error(t, err)
}
