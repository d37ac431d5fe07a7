// Package archive packs a backup directory into a single tar stream and
// unpacks it again.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Extension is the file extension of an uncompressed bundle.
const Extension = ".tar"

// TarDirectory streams the regular files directly inside dir as a tar
// archive, in name order. Subdirectories and other entries are skipped.
func TarDirectory(dir string) (io.ReadCloser, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, dir, names))
	}()
	return pr, nil
}

func writeTar(w io.Writer, dir string, names []string) error {
	tw := tar.NewWriter(w)
	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	return nil
}

// Extract unpacks the archive read from r into dest, which is created if
// needed. Only regular files are accepted and every name must stay inside
// dest. Existing files are never overwritten. It returns the extracted names.
func Extract(r io.Reader, dest string) ([]string, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("failed to read archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			return names, fmt.Errorf("unsupported entry %q in archive", hdr.Name)
		}
		if !filepath.IsLocal(hdr.Name) || filepath.Base(hdr.Name) != hdr.Name {
			return names, fmt.Errorf("refusing to extract %q", hdr.Name)
		}

		if err := extractFile(tr, filepath.Join(dest, hdr.Name)); err != nil {
			return names, err
		}
		names = append(names, hdr.Name)
	}
}

func extractFile(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
