package mailer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubjectPerKind(t *testing.T) {
	m := New(Config{})
	tests := []struct {
		kind Kind
		want string
	}{
		{KindBuildFailed, "foo failed to build"},
		{KindOlderThanRepo, "foo is older than packaged version"},
		{KindMissingDepend, "dependency missing for foo"},
		{KindOfficialConflict, "foo conflicts with the official repository"},
		{KindUnknownError, "unknown error building foo"},
		{Kind("made-up"), "unknown error building foo"},
	}
	for _, tt := range tests {
		subject, body, err := m.Render(tt.kind, "foo", "log output")
		require.NoError(t, err)
		assert.Equal(t, tt.want, subject)
		assert.Contains(t, body, "log output")
	}
}

func TestRenderStripsANSIEscapes(t *testing.T) {
	m := New(Config{})
	_, body, err := m.Render(KindBuildFailed, "foo", "\x1b[31merror\x1b[0m")
	require.NoError(t, err)
	assert.Contains(t, body, "error")
	assert.NotContains(t, body, "\x1b")
}

func TestTruncateShortMessageUnchanged(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
}

func TestTruncateLongMessageKeepsHeadAndTail(t *testing.T) {
	long := strings.Repeat("a", maxBodyBytes+1000)
	out := truncate(long)
	assert.Less(t, len(out), len(long))
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 10)))
	assert.Contains(t, out, "log truncated")
	assert.True(t, strings.HasSuffix(out, strings.Repeat("a", 10)))
}

func TestSendNoOpWhenDisabled(t *testing.T) {
	m := New(Config{Send: false})
	err := m.Send([]string{"a@example.com"}, "subject", "<html></html>")
	assert.NoError(t, err)
}

func TestBatchSummary(t *testing.T) {
	m := New(Config{})
	subject, body := m.BatchSummary([]string{"foo"}, []string{"bar"}, []string{"baz"})
	assert.Equal(t, "lilac batch summary", subject)
	assert.Contains(t, body, "done (1): foo")
	assert.Contains(t, body, "failed (1): bar")
	assert.Contains(t, body, "skipped (1): baz")
}
