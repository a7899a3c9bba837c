package utils

import (
	"encoding/hex"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// hashReaderBLAKE3 hashes r with a manual read loop. io.Copy would take
// the *os.File.WriteTo path and hash in 32 KiB pieces, which is several
// times slower for agent-sized binaries.
func hashReaderBLAKE3(r io.Reader, chunk int64) ([]byte, error) {
	buf := make([]byte, chunk)

	h := blake3.New(32, nil)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return h.Sum(nil), nil
}

// chunkSizeFor returns the read buffer size for an input of total bytes.
func chunkSizeFor(total int64) int64 {
	switch {
	case total <= 0:
		return 512 << 10
	case total <= 4<<20:
		return 512 << 10
	case total <= 32<<20:
		return 1 << 20
	default:
		return 2 << 20
	}
}

// Blake3HashFile returns the BLAKE3-256 digest of a file.
func Blake3HashFile(filePath string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return hashReaderBLAKE3(f, chunkSizeFor(fi.Size()))
}

// Blake3HashFileHex is Blake3HashFile, hex encoded. This is the form used
// for agent checksums on both ends of a deployment.
func Blake3HashFileHex(filePath string) (string, error) {
	sum, err := Blake3HashFile(filePath)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// GetHashFromBytes returns the hex BLAKE3-256 digest of msg.
func GetHashFromBytes(msg []byte) string {
	sum := blake3.Sum256(msg)
	return hex.EncodeToString(sum[:])
}
