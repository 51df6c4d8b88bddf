package rusage

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedWriterPassesThroughUnderLimit(t *testing.T) {
	var buf bytes.Buffer
	w := &cappedWriter{w: &buf, limit: 1024}
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestCappedWriterTruncatesAndNotesOnce(t *testing.T) {
	var buf bytes.Buffer
	w := &cappedWriter{w: &buf, limit: 10}

	_, err := w.Write([]byte("0123456789extra"))
	require.NoError(t, err)
	_, err = w.Write([]byte("more"))
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "0123456789"))
	assert.Equal(t, 1, strings.Count(out, "truncated"), "truncation notice must appear exactly once")
}

func TestReadProcStatsOfSelf(t *testing.T) {
	cpu, rss, err := readProcStats(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cpu, 0.0)
	assert.Greater(t, rss, uint64(0))
}

func TestReadProcStatsUnknownPid(t *testing.T) {
	_, _, err := readProcStats(-1)
	assert.Error(t, err)
}
