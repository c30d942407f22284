package pairing

import (
	"crypto/sha512"
	"hash"
	"io"
)

func newSHA512() hash.Hash { return sha512.New() }

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
