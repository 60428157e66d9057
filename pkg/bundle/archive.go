package bundle

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oneconcern/codeship/pkg/bundle/status"
	"github.com/spf13/afero"
)

// Archive packages the code unit found under root into an uncompressed tar.
//
// The unit is either a directory root/unit, archived recursively, or a single
// source file root/unit.lua. Entry names are slash separated and rooted at
// the unit name, so the subtree is restored with its internal layout intact.
//
// Modification times are kept as found: archiving the same content twice may
// not yield identical bytes if files have been touched in between.
func Archive(fs afero.Fs, root, unit string) ([]byte, error) {
	if err := ValidateName(unit); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dir := filepath.Join(root, unit)
	info, err := fs.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		err = afero.Walk(fs, dir, func(pth string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(root, pth)
			if err != nil {
				return err
			}
			return addEntry(fs, tw, pth, filepath.ToSlash(rel), fi)
		})
	case err == nil || os.IsNotExist(err):
		file := dir + SourceExt
		fi, statErr := fs.Stat(file)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return nil, status.ErrNotFound.Wrapf("no %s or %s%s under %s", unit, unit, SourceExt, root)
			}
			return nil, statErr
		}
		if fi.IsDir() {
			return nil, status.ErrNotFound.Wrapf("%s%s is a directory", unit, SourceExt)
		}
		err = addEntry(fs, tw, file, unit+SourceExt, fi)
	}
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addEntry(fs afero.Fs, tw *tar.Writer, pth, name string, fi os.FileInfo) error {
	if !fi.IsDir() && !fi.Mode().IsRegular() {
		// symlinks, devices and sockets are not part of a code unit
		return nil
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if fi.IsDir() {
		hdr.Name += "/"
	}
	// ownership is meaningless on the receiving side
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if fi.IsDir() {
		return nil
	}

	f, err := fs.Open(pth)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract restores an archive under dest and returns the name of the unit it holds.
//
// Every entry must live under a single top-level unit: absolute paths, parent
// references and entries for other units are rejected. Extraction stops at the
// first error, possibly leaving a partially restored tree under dest.
func Extract(fs afero.Fs, raw []byte, dest string) (string, error) {
	tr := tar.NewReader(bytes.NewReader(raw))
	var unit string
	entries := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", status.ErrCorrupt.Wrap(err)
		}

		name, top, err := entryName(hdr.Name)
		if err != nil {
			return "", err
		}
		if unit == "" {
			unit = top
		} else if top != unit {
			return "", status.ErrUnsafePath.Wrapf("entry %q does not belong to unit %q", hdr.Name, unit)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := extractFile(fs, tr, target, hdr); err != nil {
				return "", err
			}
		default:
			return "", status.ErrCorrupt.Wrapf("unsupported entry type %q for %q", hdr.Typeflag, hdr.Name)
		}
		entries++
	}

	if entries == 0 {
		return "", status.ErrCorrupt.Wrapf("empty bundle")
	}
	return unit, nil
}

// entryName cleans an entry name and returns it with its unit name
func entryName(raw string) (string, string, error) {
	if raw == "" || path.IsAbs(raw) || strings.Contains(raw, `\`) {
		return "", "", status.ErrUnsafePath.Wrapf("%q", raw)
	}
	name := path.Clean(raw)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", "", status.ErrUnsafePath.Wrapf("%q", raw)
	}
	top := strings.SplitN(name, "/", 2)[0]
	top = strings.TrimSuffix(top, SourceExt)
	if err := ValidateName(top); err != nil {
		return "", "", status.ErrUnsafePath.Wrap(err)
	}
	return name, top, nil
}

func extractFile(fs afero.Fs, tr *tar.Reader, target string, hdr *tar.Header) (err error) {
	if err = fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := hdr.FileInfo().Mode().Perm() | 0o600
	f, err := fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	n, err := io.Copy(f, tr)
	if err != nil {
		return status.ErrCorrupt.Wrapf("extracting %q: %v", hdr.Name, err)
	}
	if n != hdr.Size {
		return status.ErrCorrupt.Wrapf("extracting %q: got %d bytes out of %d", hdr.Name, n, hdr.Size)
	}
	return nil
}
