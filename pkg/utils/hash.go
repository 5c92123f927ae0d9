package utils

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
)

// DefaultHashBlockSize bounds memory use while hashing large archives
const DefaultHashBlockSize = 128 * 1024 * 1024

const DefaultHashAlgorithm = "sha256"

// HashCalculator provides file hash calculation functionality
type HashCalculator struct {
	blockSize int
}

// NewHashCalculator creates a new hash calculator
func NewHashCalculator() *HashCalculator {
	return &HashCalculator{blockSize: DefaultHashBlockSize}
}

// NewHashCalculatorWithBlockSize creates a hash calculator reading blockSize
// bytes at a time. The digest does not depend on the block size.
func NewHashCalculatorWithBlockSize(blockSize int) *HashCalculator {
	if blockSize <= 0 {
		blockSize = DefaultHashBlockSize
	}
	return &HashCalculator{blockSize: blockSize}
}

// Digest returns the hex-encoded SHA-256 of the file at filePath
func (h *HashCalculator) Digest(filePath string) (string, error) {
	return h.CalculateHash(filePath, DefaultHashAlgorithm)
}

// CalculateHash calculates the hash of a file using the specified algorithm
func (h *HashCalculator) CalculateHash(filePath string, algorithm string) (string, error) {
	hasher, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return "", &interfaces.IOError{Op: "open", Path: filePath, Err: err}
	}
	defer file.Close()

	buffer := make([]byte, h.bufferSize(file))
	for {
		n, err := io.ReadFull(file, buffer)
		if n > 0 {
			hasher.Write(buffer[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", &interfaces.IOError{Op: "read", Path: filePath, Err: err}
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// bufferSize avoids allocating a full block for files smaller than one
func (h *HashCalculator) bufferSize(file *os.File) int {
	size := h.blockSize
	if info, err := file.Stat(); err == nil && info.Size() < int64(size) {
		size = int(info.Size())
	}
	if size < 1 {
		size = 1
	}
	return size
}

// ChecksumsEqual compares two hex digests ignoring case and surrounding space
func ChecksumsEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}
