package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashString("hello"))
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashString("hello"), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	got, err := SafeJoin(base, "kb", "test3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "kb", "test3"), got)

	_, err = SafeJoin(base, "..", "etc")
	assert.ErrorIs(t, err, ErrOutsideBase)

	_, err = SafeJoin(base, "kb/../../x")
	assert.ErrorIs(t, err, ErrOutsideBase)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/data/kb", "/data/kb"))
	assert.True(t, Within("/data/kb", "/data/kb/a/b"))
	assert.False(t, Within("/data/kb", "/data/kb2"))
	assert.False(t, Within("/data/kb", "/data"))
	assert.True(t, Within("/data/kb", "/data/kb/..hidden"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "东城", Truncate("东城社会调研", 2))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "", Truncate("abc", 0))
}
