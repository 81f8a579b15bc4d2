package fileops

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gitbobobo/tidyflow/internal/pathsafe"
)

func setupRoot(t *testing.T) string {
	t.Helper()
	root, err := os.MkdirTemp("", "fileops-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return root
}

func TestWriteReadRoundTrip(t *testing.T) {
	root := setupRoot(t)

	if err := Write(root, "nested/dir/file.txt", []byte("content\n")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	data, err := Read(root, "nested/dir/file.txt")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(data) != "content\n" {
		t.Errorf("Read() = %q, want %q", data, "content\n")
	}
}

func TestReadRejectsEscape(t *testing.T) {
	root := setupRoot(t)
	if _, err := Read(root, "../outside"); !errors.Is(err, pathsafe.ErrPathEscape) {
		t.Errorf("Read(../outside) err = %v, want ErrPathEscape", err)
	}
	if err := Write(root, "/abs.txt", []byte("x")); !errors.Is(err, pathsafe.ErrPathEscape) {
		t.Errorf("Write(/abs.txt) err = %v, want ErrPathEscape", err)
	}
}

func TestReadTooLarge(t *testing.T) {
	root := setupRoot(t)

	big := make([]byte, MaxReadBytes+1)
	if err := os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644); err != nil {
		t.Fatalf("failed to write big file: %v", err)
	}

	if _, err := Read(root, "big.bin"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Read(big.bin) err = %v, want ErrTooLarge", err)
	}
}

func TestList(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "b.txt", []byte("b")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := Write(root, "sub/a.txt", []byte("a")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	entries, err := List(root, ".")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %+v, want 2 entries", entries)
	}
	// Directories sort first.
	if !entries[0].IsDir || entries[0].Name != "sub" {
		t.Errorf("entries[0] = %+v, want the sub directory", entries[0])
	}
	if entries[1].Name != "b.txt" || entries[1].Size != 1 {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	sub, err := List(root, "sub")
	if err != nil {
		t.Fatalf("List(sub) failed: %v", err)
	}
	if len(sub) != 1 || sub[0].Path != filepath.Join("sub", "a.txt") {
		t.Errorf("List(sub) = %+v", sub)
	}
}

func TestIndexWalkFallback(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "one.txt", []byte("1")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := Write(root, "sub/two.txt", []byte("2")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	// .git contents never appear in the index.
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("failed to create .git: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "config"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write .git/config: %v", err)
	}

	files, err := Index(root)
	if err != nil {
		t.Fatalf("Index() failed: %v", err)
	}
	joined := strings.Join(files, ",")
	if !strings.Contains(joined, "one.txt") || !strings.Contains(joined, filepath.Join("sub", "two.txt")) {
		t.Errorf("Index() = %v", files)
	}
	if strings.Contains(joined, ".git") {
		t.Errorf("Index() leaked .git entries: %v", files)
	}
}

func TestRename(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "old.txt", []byte("x")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := Rename(root, "old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	if _, err := Read(root, "new.txt"); err != nil {
		t.Errorf("renamed file unreadable: %v", err)
	}

	// A path in the new name is rejected; rename stays in-directory.
	if err := Rename(root, "new.txt", "sub/other.txt"); err == nil {
		t.Error("Rename() accepted a path as the new name")
	}

	// Clobbering is refused.
	if err := Write(root, "taken.txt", []byte("y")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := Rename(root, "new.txt", "taken.txt"); err == nil {
		t.Error("Rename() clobbered an existing file")
	}
}

func TestMoveAndCopy(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "src.txt", []byte("payload")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := Copy(root, "src.txt", "copy/dst.txt", false); err != nil {
		t.Fatalf("Copy() failed: %v", err)
	}
	data, err := Read(root, "copy/dst.txt")
	if err != nil || string(data) != "payload" {
		t.Errorf("copied content = %q, err %v", data, err)
	}
	if _, err := Read(root, "src.txt"); err != nil {
		t.Error("Copy() removed the source")
	}

	if err := Copy(root, "src.txt", "copy/dst.txt", false); err == nil {
		t.Error("Copy() clobbered without overwrite")
	}
	if err := Copy(root, "src.txt", "copy/dst.txt", true); err != nil {
		t.Errorf("Copy(overwrite) failed: %v", err)
	}

	if err := Move(root, "src.txt", "moved/src.txt", false); err != nil {
		t.Fatalf("Move() failed: %v", err)
	}
	if _, err := Read(root, "src.txt"); err == nil {
		t.Error("Move() left the source behind")
	}
	if _, err := Read(root, "moved/src.txt"); err != nil {
		t.Errorf("moved file unreadable: %v", err)
	}
}

func TestDelete(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "sub/file.txt", []byte("x")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := Delete(root, "sub"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sub")); !os.IsNotExist(err) {
		t.Error("directory survived Delete()")
	}

	if err := Delete(root, "."); err == nil {
		t.Error("Delete(.) removed the workspace root")
	}
}

func TestCopyDirectory(t *testing.T) {
	root := setupRoot(t)
	if err := Write(root, "tree/a/one.txt", []byte("1")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := Write(root, "tree/two.txt", []byte("2")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if err := Copy(root, "tree", "tree2", false); err != nil {
		t.Fatalf("Copy(dir) failed: %v", err)
	}
	if data, err := Read(root, "tree2/a/one.txt"); err != nil || string(data) != "1" {
		t.Errorf("copied tree content = %q, err %v", data, err)
	}
}
