// Package fileops serves the file_* requests: index, list, read, write,
// rename, delete, move and copy, all confined to the workspace root by
// path safety.
package fileops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gitbobobo/tidyflow/internal/gittools"
	"github.com/gitbobobo/tidyflow/internal/pathsafe"
)

// MaxReadBytes caps file_read payloads.
const MaxReadBytes = 16 << 20

// maxIndexEntries bounds the filesystem-walk fallback for non-repo
// roots.
const maxIndexEntries = 50000

// ErrTooLarge is returned when a file exceeds MaxReadBytes.
var ErrTooLarge = errors.New("file exceeds the read size limit")

// Entry is one directory listing row.
type Entry struct {
	Name  string `msgpack:"name"`
	Path  string `msgpack:"path"`
	IsDir bool   `msgpack:"is_dir"`
	Size  int64  `msgpack:"size"`
}

// Index returns the workspace's file list, workspace-relative. Inside a
// repository this is the tracked plus untracked-but-not-ignored set;
// elsewhere a bounded walk.
func Index(root string) ([]string, error) {
	if gittools.IsRepo(root) {
		return gittools.LsFiles(root)
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		if len(files) >= maxIndexEntries {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// List returns the entries of one directory, directories first.
func List(root, rel string) ([]Entry, error) {
	dir, err := pathsafe.Resolve(root, rel)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		var size int64
		if err == nil && !d.IsDir() {
			size = info.Size()
		}
		relPath := d.Name()
		if rel != "." && rel != "" {
			relPath = filepath.Join(rel, d.Name())
		}
		entries = append(entries, Entry{
			Name:  d.Name(),
			Path:  relPath,
			IsDir: d.IsDir(),
			Size:  size,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Read returns a file's content, refusing files over MaxReadBytes.
func Read(root, rel string) ([]byte, error) {
	path, err := pathsafe.Resolve(root, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	if info.Size() > MaxReadBytes {
		return nil, fmt.Errorf("%s is %d bytes: %w", rel, info.Size(), ErrTooLarge)
	}

	return os.ReadFile(path)
}

// Write stores content at rel, creating parent directories.
func Write(root, rel string, content []byte) error {
	path, err := pathsafe.Resolve(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// Rename changes a file's name within its directory.
func Rename(root, rel, newName string) error {
	if newName == "" || strings.ContainsRune(newName, filepath.Separator) {
		return fmt.Errorf("invalid new name %q", newName)
	}

	oldPath, err := pathsafe.Resolve(root, rel)
	if err != nil {
		return err
	}
	newRel := filepath.Join(filepath.Dir(rel), newName)
	newPath, err := pathsafe.Resolve(root, newRel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%s already exists", newRel)
	}
	return os.Rename(oldPath, newPath)
}

// Delete removes a file or directory tree.
func Delete(root, rel string) error {
	path, err := pathsafe.Resolve(root, rel)
	if err != nil {
		return err
	}
	if path == root {
		return fmt.Errorf("refusing to delete the workspace root")
	}
	return os.RemoveAll(path)
}

// Move relocates a file or directory inside the workspace. An existing
// destination is refused unless overwrite is set.
func Move(root, srcRel, dstRel string, overwrite bool) error {
	src, err := pathsafe.Resolve(root, srcRel)
	if err != nil {
		return err
	}
	dst, err := pathsafe.Resolve(root, dstRel)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%s already exists", dstRel)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Copy duplicates a file inside the workspace. Directories are copied
// recursively.
func Copy(root, srcRel, dstRel string, overwrite bool) error {
	src, err := pathsafe.Resolve(root, srcRel)
	if err != nil {
		return err
	}
	dst, err := pathsafe.Resolve(root, dstRel)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%s already exists", dstRel)
		}
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
