// Package library keeps the track catalogue in sync with the filesystem:
// content hashing, directory scanning, and change watching.
package library

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const id3v1TrailerSize = 128

// ContentHash returns the sha256 of a file's audio bytes with tag regions
// excluded: an ID3v2 block at the front and an ID3v1 trailer at the back.
// Retagging a file therefore does not change its identity, so derived
// data (waveforms, stems, jobs) survives metadata edits.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	start, err := id3v2Size(f)
	if err != nil {
		return "", err
	}
	end := size
	if trailer, err := hasID3v1Trailer(f, size); err == nil && trailer {
		end -= id3v1TrailerSize
	}
	if start > end {
		start = 0
		end = size
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, f, end-start); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// id3v2Size returns the byte offset where audio begins: 0 when no ID3v2
// block is present, otherwise header + syncsafe size (+ footer).
func id3v2Size(f *os.File) (int64, error) {
	header := make([]byte, 10)
	n, err := f.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n < 10 || string(header[:3]) != "ID3" {
		return 0, nil
	}

	// Bytes 6-9 are a syncsafe 28-bit size excluding the 10-byte header.
	size := int64(header[6]&0x7f)<<21 |
		int64(header[7]&0x7f)<<14 |
		int64(header[8]&0x7f)<<7 |
		int64(header[9]&0x7f)
	total := size + 10
	if header[5]&0x10 != 0 {
		total += 10 // footer present
	}
	return total, nil
}

func hasID3v1Trailer(f *os.File, size int64) (bool, error) {
	if size < id3v1TrailerSize {
		return false, nil
	}
	tag := make([]byte, 3)
	if _, err := f.ReadAt(tag, size-id3v1TrailerSize); err != nil {
		return false, err
	}
	return string(tag) == "TAG", nil
}
