package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// id3v2Block builds a minimal ID3v2 header plus payload bytes.
func id3v2Block(payload []byte) []byte {
	size := len(payload)
	header := []byte{
		'I', 'D', '3', 3, 0, 0,
		byte(size >> 21 & 0x7f), byte(size >> 14 & 0x7f),
		byte(size >> 7 & 0x7f), byte(size & 0x7f),
	}
	return append(header, payload...)
}

func id3v1Trailer(title string) []byte {
	trailer := make([]byte, 128)
	copy(trailer, "TAG")
	copy(trailer[3:], title)
	return trailer
}

func TestContentHashFormat(t *testing.T) {
	path := writeFile(t, "a.mp3", []byte("audio bytes"))
	hash, err := ContentHash(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", hash)
}

// The hash is over audio bytes only: retagging must not change identity.
func TestContentHashIgnoresTags(t *testing.T) {
	audio := []byte("the actual pcm-ish payload of the song")

	bare, err := ContentHash(writeFile(t, "bare.mp3", audio))
	require.NoError(t, err)

	tagged, err := ContentHash(writeFile(t, "tagged.mp3",
		append(id3v2Block([]byte("old title and artist frames")), audio...)))
	require.NoError(t, err)
	assert.Equal(t, bare, tagged, "ID3v2 block must not affect the hash")

	trailed, err := ContentHash(writeFile(t, "trailed.mp3",
		append(append([]byte{}, audio...), id3v1Trailer("Some Title")...)))
	require.NoError(t, err)
	assert.Equal(t, bare, trailed, "ID3v1 trailer must not affect the hash")

	both, err := ContentHash(writeFile(t, "both.mp3",
		append(append(id3v2Block([]byte("frames")), audio...), id3v1Trailer("x")...)))
	require.NoError(t, err)
	assert.Equal(t, bare, both)
}

func TestContentHashDiffersForDifferentAudio(t *testing.T) {
	h1, err := ContentHash(writeFile(t, "a.mp3", []byte("song one")))
	require.NoError(t, err)
	h2, err := ContentHash(writeFile(t, "b.mp3", []byte("song two")))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

// A file that happens to be shorter than an ID3v1 trailer still hashes.
func TestContentHashTinyFile(t *testing.T) {
	hash, err := ContentHash(writeFile(t, "tiny.wav", []byte("x")))
	require.NoError(t, err)
	assert.Len(t, hash, 64)
}

func TestContentHashMissingFile(t *testing.T) {
	_, err := ContentHash("/nonexistent/file.mp3")
	assert.Error(t, err)
}
