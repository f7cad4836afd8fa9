package importer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// rewireSymlinks retargets every symlink under root that points at
// oldPath (or below it, for directory artifacts) so it points at the
// equivalent path under newPath. Each link is replaced by creating the
// new link beside it and renaming it over the old one, so readers
// never observe a missing link.
func rewireSymlinks(root string, oldPath string, newPath string) (int, error) {
	oldPath = filepath.Clean(oldPath)
	rewired := 0

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("could not read symlink %s: %w", path, err)
		}

		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), resolved)
		}
		resolved = filepath.Clean(resolved)

		relative, err := filepath.Rel(oldPath, resolved)
		if err != nil || strings.HasPrefix(relative, "..") {
			return nil
		}

		replacement := filepath.Join(newPath, relative)
		scratch := path + ".rewire"
		if err := os.Symlink(replacement, scratch); err != nil {
			return fmt.Errorf("could not create replacement link for %s: %w", path, err)
		}
		if err := os.Rename(scratch, path); err != nil {
			os.Remove(scratch)
			return fmt.Errorf("could not swap replacement link into %s: %w", path, err)
		}

		rewired++
		return nil
	})

	return rewired, err
}

// moveFile relocates a staged artifact to its durable path. Rename is
// attempted first; staging and destination commonly sit on different
// mounts, in which case the file is copied and the original removed.
func moveFile(source string, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}

	if err := os.Rename(source, destination); err == nil {
		return nil
	}

	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(destination)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(destination)
		return err
	}

	return os.Remove(source)
}
