package utils

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ShortHash returns the first n hex characters of the SHA-1 of the
// concatenated parts. It is used to derive stable image ids and short,
// collision-free output filenames from archive entry paths.
func ShortHash(n int, parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		io.WriteString(h, p)
		h.Write([]byte{0})
	}
	s := hex.EncodeToString(h.Sum(nil))
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// HashFile computes the SHA256 hash of a file
func HashFile(filepath string) (string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
