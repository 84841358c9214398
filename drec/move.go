package drec

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// MoveFileToDir moves srcPath into dstDir keeping its base name. An existing file of
// the same name is never replaced; the moved file gets a unique suffix instead.
func MoveFileToDir(fsys afero.Fs, srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := fsys.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := fsys.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}
	if err := moveFile(fsys, srcPath, dstPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

// moveFile renames srcPath to dstPath, falling back to copy + remove when the rename
// crosses devices. The modification time survives either way.
func moveFile(fsys afero.Fs, srcPath string, dstPath string) error {
	// Try fast rename first.
	if err := fsys.Rename(srcPath, dstPath); err == nil {
		return nil
	}

	info, err := fsys.Stat(srcPath)
	if err != nil {
		return err
	}
	in, err := fsys.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = fsys.Remove(dstPath)
		return copyErr
	}
	if closeErr != nil {
		_ = fsys.Remove(dstPath)
		return closeErr
	}
	if err := fsys.Chtimes(dstPath, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return fsys.Remove(srcPath)
}
