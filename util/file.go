package util

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// RotatePrev moves an existing file aside to a ".prev" sibling, replacing
// any older ".prev". A missing source file is a no-op.
func RotatePrev(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}

	prev := path + ".prev"
	if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old backup %s: %w", prev, err)
	}
	if err := os.Rename(path, prev); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	return nil
}

// MoveFile renames src to dst, falling back to copy-and-delete when the
// rename crosses volumes.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() {
		if err := in.Close(); err != nil {
			log.Warnf("failed to close %s: %v", src, err)
		}
	}()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warnf("failed to close %s: %v", dst, err)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := os.Remove(src); err != nil {
		log.Warnf("failed to remove %s after copy: %v", src, err)
	}
	return nil
}

// RemoveIfExists deletes path, tolerating its absence.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
