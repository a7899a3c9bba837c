package utils

import (
	"archive/tar"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// ErrNotInArchive is returned when the requested member is absent.
var ErrNotInArchive = errors.New("file not found in archive")

// ExtractFromTarGz copies the regular file whose base name is name out of
// a .tar.gz into dest, written via a temp file and renamed into place.
func ExtractFromTarGz(tarPath, name, dest string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "open gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return ErrNotInArchive
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != name {
			continue
		}
		return writeAtomic(dest, tr, 0o755)
	}
}

func writeAtomic(dest string, r io.Reader, mode os.FileMode) error {
	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "extract")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Chmod(dest, mode)
}

// CopyFile copies src to dest through a temp file and rename.
func CopyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeAtomic(dest, in, mode)
}
