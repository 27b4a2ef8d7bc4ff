// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"strata.dev/pkg/internal/bytewriter"
)

// archiveMagic is the first value written by [WriteArchive], identifying
// the stream format.
const archiveMagic = "nix-archive-1"

// WriteArchive serializes the filesystem tree rooted at root (a name
// within fsys, using forward-slash path syntax regardless of host OS)
// into the deterministic archive format used to content-address store
// objects: every string is length-prefixed and zero-padded to an
// 8-byte boundary, directory entries are written in byte-lexicographic
// order, and only a regular file's executable bit is preserved;
// ownership, timestamps, and the remaining permission bits are
// discarded so that identical tree content always serializes to
// identical bytes.
//
// If fsys also implements [fs.ReadLinkFS], symbolic links are archived
// as such. Otherwise entries are examined with [fs.Stat], which follows
// symbolic links, so a link is archived as the file or directory it
// points to.
func WriteArchive(w io.Writer, fsys fs.FS, root string) error {
	bw := bufio.NewWriter(w)
	if err := writeArchiveString(bw, archiveMagic); err != nil {
		return err
	}
	info, err := lstat(fsys, root)
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	seen := make(map[hardLinkKey]string)
	if err := writeArchiveEntry(bw, fsys, root, info, seen); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return bw.Flush()
}

// ArchiveFromDir is a convenience wrapper around [WriteArchive] for the
// common case of archiving a single path on the local filesystem,
// returning the serialized bytes directly.
func ArchiveFromDir(root string) ([]byte, error) {
	dir, name := path.Split(filepath.ToSlash(root))
	if dir == "" {
		dir = "."
	}
	buf := bytewriter.New(nil)
	if err := WriteArchive(buf, os.DirFS(filepath.FromSlash(dir)), name); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lstat(fsys fs.FS, name string) (fs.FileInfo, error) {
	if rl, ok := fsys.(fs.ReadLinkFS); ok {
		return rl.Lstat(name)
	}
	return fs.Stat(fsys, name)
}

func readlink(fsys fs.FS, name string) (string, error) {
	rl, ok := fsys.(fs.ReadLinkFS)
	if !ok {
		return "", fmt.Errorf("%s: filesystem does not support reading symlinks", name)
	}
	return rl.ReadLink(name)
}

func writeArchiveEntry(w *bufio.Writer, fsys fs.FS, name string, info fs.FileInfo, seen map[hardLinkKey]string) error {
	if err := writeArchiveString(w, "("); err != nil {
		return err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := readlink(fsys, name)
		if err != nil {
			return err
		}
		if err := writeArchiveStrings(w, "type", "symlink", "target", target); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := writeArchiveStrings(w, "type", "regular"); err != nil {
			return err
		}
		if info.Mode()&0o111 != 0 {
			if err := writeArchiveStrings(w, "executable", ""); err != nil {
				return err
			}
		}
		if err := writeArchiveString(w, "contents"); err != nil {
			return err
		}
		if err := writeArchiveFileContents(w, fsys, name, info.Size(), seen); err != nil {
			return err
		}
	case info.IsDir():
		if err := writeArchiveStrings(w, "type", "directory"); err != nil {
			return err
		}
		entries, err := fs.ReadDir(fsys, name)
		if err != nil {
			return err
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)
		for _, childName := range names {
			if err := writeArchiveString(w, "entry"); err != nil {
				return err
			}
			if err := writeArchiveString(w, "("); err != nil {
				return err
			}
			if err := writeArchiveStrings(w, "name", childName); err != nil {
				return err
			}
			if err := writeArchiveString(w, "node"); err != nil {
				return err
			}
			childPath := path.Join(name, childName)
			childInfo, err := lstat(fsys, childPath)
			if err != nil {
				return err
			}
			if err := writeArchiveEntry(w, fsys, childPath, childInfo, seen); err != nil {
				return err
			}
			if err := writeArchiveString(w, ")"); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%s: unsupported file type %v", name, info.Mode())
	}

	return writeArchiveString(w, ")")
}

// writeArchiveFileContents copies the regular file at name into w as an
// archive string value, opening and releasing its own file handle so
// that no descriptor outlives a single recursive call. Along the way it
// checks whether the file shares a device/inode pair with one already
// archived in this run; the archive format has no hard-link encoding,
// so the file's content is serialized again regardless, but a debug
// note is logged since a build that depends on hard-link identity
// rather than content is usually a mistake.
func writeArchiveFileContents(w *bufio.Writer, fsys fs.FS, name string, size int64, seen map[hardLinkKey]string) error {
	f, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	checkHardLink(f, name, seen)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("%s: file size changed while archiving (was %d, now %d)", name, size, n)
	}
	return writeArchivePadding(w, n)
}

func writeArchiveStrings(w *bufio.Writer, ss ...string) error {
	for _, s := range ss {
		if err := writeArchiveString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func writeArchiveString(w *bufio.Writer, s string) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return writeArchivePadding(w, int64(len(s)))
}

var archiveZeroes [8]byte

func writeArchivePadding(w *bufio.Writer, n int64) error {
	pad := (8 - int(n%8)) % 8
	if pad == 0 {
		return nil
	}
	_, err := w.Write(archiveZeroes[:pad])
	return err
}
