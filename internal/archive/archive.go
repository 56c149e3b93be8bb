// Package archive provides zip creation and in-place entry rewriting.
// CreateDir is grounded on cmd/builder/main.go's zipDirectory (same
// filepath.Walk + archive/zip.FileInfoHeader shape). RewriteEntries is new:
// BinaryPatcher (component H) needs to open an archive, apply replacement
// rules to selected entry bodies, and write a new archive with everything
// else carried over unchanged — cmd/builder only ever wrote archives from a
// directory, never rewrote one in place.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CreateDir zips source into target, mirroring cmd/builder's zipDirectory:
// entry names are relative to source's parent directory, directories get a
// trailing slash, files are deflated.
func CreateDir(source, target string) error {
	zipFile, err := os.Create(target)
	if err != nil {
		return err
	}
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(filepath.Dir(source), path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
		} else {
			header.Method = zip.Deflate
		}

		entryWriter, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(entryWriter, f)
		return err
	})
}

// RewriteFunc transforms one entry's body. It returns the (possibly
// unchanged) body and whether it changed.
type RewriteFunc func(name string, body []byte) (newBody []byte, changed bool, err error)

// RewriteEntries reads the zip at path, calls rewrite for entries matching
// extensions (e.g. ".class", ".json"), and writes the result to a temp file
// alongside path before renaming it into place. It returns the number of
// entries that were changed. Entries that don't match extensions, or that
// rewrite declines to change, are copied byte-for-byte.
func RewriteEntries(path string, extensions []string, rewrite RewriteFunc) (int, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}

	w := zip.NewWriter(out)
	changedCount := 0

	for _, entry := range r.File {
		if err := copyOrRewriteEntry(w, entry, extensions, rewrite, &changedCount); err != nil {
			w.Close()
			out.Close()
			os.Remove(tmpPath)
			return 0, err
		}
	}

	if err := w.Close(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := r.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return changedCount, nil
}

func copyOrRewriteEntry(w *zip.Writer, entry *zip.File, extensions []string, rewrite RewriteFunc, changedCount *int) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	header := entry.FileHeader
	entryWriter, err := w.CreateHeader(&header)
	if err != nil {
		return err
	}

	if entry.FileInfo().IsDir() || !hasPatchableExtension(entry.Name, extensions) {
		_, err := io.Copy(entryWriter, rc)
		return err
	}

	body, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	newBody, changed, err := rewrite(entry.Name, body)
	if err != nil {
		return err
	}
	if changed {
		*changedCount++
		_, err = entryWriter.Write(newBody)
	} else {
		_, err = entryWriter.Write(body)
	}
	return err
}

func hasPatchableExtension(name string, extensions []string) bool {
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ExtractZip extracts every entry in the zip at path into destDir,
// creating directories as needed. It rejects entries that would escape
// destDir (zip-slip).
func ExtractZip(path, destDir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		target := filepath.Join(destDir, entry.Name)
		if !isWithinDir(destDir, target) {
			return &os.PathError{Op: "extract", Path: entry.Name, Err: os.ErrInvalid}
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, target string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

func isWithinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// IsArchive reports whether path looks like a zip/jar archive by extension.
func IsArchive(path string) bool {
	switch filepath.Ext(path) {
	case ".zip", ".jar":
		return true
	default:
		return false
	}
}
