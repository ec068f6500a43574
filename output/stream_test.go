package output

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSanitize(t *testing.T) {
	tests := []struct {
		name     string
		writes   []string
		expected string
	}{
		{"plain", []string{"4\n"}, "4\n"},
		{"keeps tab and newline", []string{"a\tb\nc"}, "a\tb\nc"},
		{"drops escape sequences", []string{"\x1b[31mred\x1b[0m"}, "[31mred[0m"},
		{"drops carriage return and nul", []string{"a\r\x00b"}, "ab"},
		{"drops bidi override", []string{"abc\u202edef"}, "abcdef"},
		{"invalid byte replaced", []string{"a\xffb"}, "a\ufffdb"},
		{"rune split across writes", []string{"caf\xc3", "\xa9!"}, "café!"},
		{"unicode kept", []string{"héllo 世界"}, "héllo 世界"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(1024, 100)
			for _, w := range tt.writes {
				n, err := s.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			require.NoError(t, s.Close())
			assert.Equal(t, tt.expected, s.String())
			assert.False(t, s.Truncated())
		})
	}
}

func TestStreamDanglingPartialRune(t *testing.T) {
	s := NewStream(1024, 100)
	_, _ = s.Write([]byte("x\xe4\xb8"))
	assert.Equal(t, "x", s.String())
	require.NoError(t, s.Close())
	assert.Equal(t, "x\ufffd", s.String())
}

func TestStreamByteCeiling(t *testing.T) {
	s := NewStream(100, 1000)
	payload := strings.Repeat("x", 250)

	n, err := s.Write([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 250, n, "writer must report full consumption so the process never blocks")
	assert.Equal(t, strings.Repeat("x", 100), s.String())
	assert.Len(t, s.String(), 100)
	assert.True(t, s.Truncated())
	assert.Equal(t, int64(250), s.Seen())

	_, _ = s.Write([]byte("more"))
	assert.Len(t, s.String(), 100)
}

func TestStreamExactlyAtCeilingIsNotTruncated(t *testing.T) {
	s := NewStream(10, 1000)
	_, _ = s.Write([]byte(strings.Repeat("y", 10)))
	assert.False(t, s.Truncated())
	_, _ = s.Write([]byte("z"))
	assert.True(t, s.Truncated())
	assert.Equal(t, strings.Repeat("y", 10), s.String())
}

func TestStreamMultibyteNotSplitAtCeiling(t *testing.T) {
	s := NewStream(4, 1000)
	_, _ = s.Write([]byte("ab世"))
	assert.Equal(t, "ab", s.String())
	assert.True(t, s.Truncated())
}

func TestStreamLineCeiling(t *testing.T) {
	s := NewStream(1<<20, 3)
	for i := 0; i < 10; i++ {
		_, _ = s.Write([]byte("line\n"))
	}
	assert.Equal(t, "line\nline\nline\n", s.String())
	assert.Equal(t, 3, strings.Count(s.String(), "\n"))
	assert.True(t, s.Truncated())
}

func TestStreamLineCeilingTrailingPartial(t *testing.T) {
	s := NewStream(1<<20, 2)
	_, _ = s.Write([]byte("a\nb"))
	assert.Equal(t, "a\nb", s.String())
	assert.False(t, s.Truncated())
}

func TestStreamConcurrentWrites(t *testing.T) {
	s := NewStream(1000, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.Write([]byte("ab"))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, s.String(), 1000)
	assert.False(t, s.Truncated())
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector(Limits{MaxBytes: 8, MaxLines: 10})
	_, _ = c.Stdout().Write([]byte("4"))
	_, _ = c.Stderr().Write([]byte("traceback overflow"))

	snap := c.Snapshot()
	assert.Equal(t, "4", snap.Stdout)
	assert.Equal(t, "tracebac", snap.Stderr)
	assert.False(t, snap.StdoutTruncated)
	assert.True(t, snap.StderrTruncated)
	assert.True(t, snap.Truncated())

	c.Close()
	_, _ = c.Stdout().Write([]byte("late"))
	assert.Equal(t, "4", c.Snapshot().Stdout)
}
