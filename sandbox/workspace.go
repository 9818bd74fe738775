package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceDir is where a unit sees its files
const WorkspaceDir = "/workspace"

// MaxExtractedBytes bounds the decompressed size of a submission archive
const MaxExtractedBytes = 64 << 20

// WorkspaceFile is a single file placed in a unit's workspace
type WorkspaceFile struct {
	Name string
	Data []byte
}

// archiveEntry is a validated entry of a submission archive
type archiveEntry struct {
	name string
	dir  bool
	data []byte
}

// ValidateArchive checks that a tar.gz archive only holds regular files and
// directories with relative paths that stay inside the workspace.
func ValidateArchive(tarData []byte) error {
	return walkArchive(tarData, func(archiveEntry) error { return nil })
}

// walkArchive reads a tar.gz archive and hands each validated entry to fn
func walkArchive(tarData []byte, fn func(archiveEntry) error) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	var total int64

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		name, err := safeEntryName(header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fn(archiveEntry{name: name, dir: true}); err != nil {
				return err
			}
		case tar.TypeReg:
			total += header.Size
			if header.Size < 0 || total > MaxExtractedBytes {
				return fmt.Errorf("archive exceeds %d bytes when extracted", MaxExtractedBytes)
			}
			content := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, content); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}
			if err := fn(archiveEntry{name: name, data: content}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}
}

// safeEntryName cleans an archive path and rejects anything escaping the root
func safeEntryName(name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path not allowed in tar: %s", name)
	}
	clean := path.Clean(filepath.ToSlash(name))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe relative path in tar: %s", name)
	}
	if clean == "." {
		return "", fmt.Errorf("empty path in tar: %q", name)
	}
	return clean, nil
}

// ExtractTarToDir extracts tar.gz data to the destination directory safely
func ExtractTarToDir(fs FileSystem, tarData []byte, destDir string) error {
	return walkArchive(tarData, func(e archiveEntry) error {
		target := filepath.Join(destDir, filepath.FromSlash(e.name))
		if e.dir {
			if err := fs.MkdirAll(target, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			return nil
		}
		if err := fs.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
			return fmt.Errorf("failed to create parent directories: %w", err)
		}
		if err := fs.WriteFile(target, e.data, FilePermission); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		return nil
	})
}

// BuildWorkspaceArchive produces an uncompressed tar rooted at "workspace/"
// holding the archive contents followed by files. Every entry is owned by
// uid:gid so the unit's non-root user can write to its workspace.
func BuildWorkspaceArchive(files []WorkspaceFile, archive []byte, uid, gid int) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	root := strings.TrimPrefix(WorkspaceDir, "/")
	now := time.Now()

	writeDir := func(name string) error {
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     DirPermission,
			Uid:      uid,
			Gid:      gid,
			ModTime:  now,
		})
	}
	writeFile := func(name string, data []byte) error {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     FilePermission,
			Size:     int64(len(data)),
			Uid:      uid,
			Gid:      gid,
			ModTime:  now,
		}); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := writeDir(root); err != nil {
		return nil, fmt.Errorf("failed to write workspace root: %w", err)
	}

	if len(archive) > 0 {
		err := walkArchive(archive, func(e archiveEntry) error {
			if e.dir {
				return writeDir(root + "/" + e.name)
			}
			return writeFile(root+"/"+e.name, e.data)
		})
		if err != nil {
			return nil, err
		}
	}

	for _, f := range files {
		name, err := safeEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		if err := writeFile(root+"/"+name, f.Data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}
