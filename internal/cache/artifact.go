package cache

import (
	"archive/tar"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/opencontainers/go-digest"
)

// Modification time written to every normalized entry.
var epoch = time.Unix(0, 0).UTC()

type spooled struct {
	hdr    *tar.Header
	offset int64
}

// Rewrites a tar stream into its canonical form and returns the root entry
// name.
//
// Entries are sorted by name, timestamps are fixed to the epoch, and owner
// names and PAX records are dropped. Numeric ownership and modes are kept.
// File bodies are spooled to a temporary file so that streams of any size
// can be reordered. Every entry must live under a single root.
func normalize(r io.Reader, w io.Writer) (string, error) {
	spool, err := os.CreateTemp("", "kilnd-artifact-*")
	if err != nil {
		return "", errs.Wrap(ErrCache, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	var (
		entries []spooled
		root    string
		offset  int64
	)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errs.Wrap(ErrArtifact, err)
		}

		name := cleanEntryName(hdr.Name)
		if name == "" {
			continue
		}
		top, _, _ := strings.Cut(name, "/")
		if root == "" {
			root = top
		} else if top != root {
			return "", errs.Wrapf(ErrArtifact, "entry %q is outside root %q", name, root)
		}

		entry := spooled{hdr: canonicalHeader(hdr, name), offset: offset}
		if hdr.Typeflag == tar.TypeReg {
			n, err := io.Copy(spool, tr)
			if err != nil {
				return "", errs.Wrap(ErrCache, err)
			}
			offset += n
		}
		entries = append(entries, entry)
	}

	if root == "" {
		return "", errs.Wrapf(ErrArtifact, "archive is empty")
	}

	// Hard links go last so their targets always precede them.
	slices.SortStableFunc(entries, func(a, b spooled) int {
		al, bl := a.hdr.Typeflag == tar.TypeLink, b.hdr.Typeflag == tar.TypeLink
		if al != bl {
			if al {
				return 1
			}
			return -1
		}
		return strings.Compare(a.hdr.Name, b.hdr.Name)
	})

	tw := tar.NewWriter(w)
	for _, e := range entries {
		if err := tw.WriteHeader(e.hdr); err != nil {
			return "", errs.Wrap(ErrCache, err)
		}
		if e.hdr.Typeflag == tar.TypeReg && e.hdr.Size > 0 {
			if _, err := io.Copy(tw, io.NewSectionReader(spool, e.offset, e.hdr.Size)); err != nil {
				return "", errs.Wrap(ErrCache, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return "", errs.Wrap(ErrCache, err)
	}

	return root, nil
}

func canonicalHeader(hdr *tar.Header, name string) *tar.Header {
	out := &tar.Header{
		Typeflag: hdr.Typeflag,
		Name:     name,
		Linkname: hdr.Linkname,
		Size:     hdr.Size,
		Mode:     hdr.Mode,
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		ModTime:  epoch,
		Devmajor: hdr.Devmajor,
		Devminor: hdr.Devminor,
	}
	if hdr.Typeflag == tar.TypeLink {
		out.Linkname = cleanEntryName(hdr.Linkname)
	}
	if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(out.Name, "/") {
		out.Name += "/"
	}
	if hdr.Typeflag != tar.TypeReg {
		out.Size = 0
	}
	return out
}

// Strips leading "./" and "/" and trailing slashes. Returns "" for the
// archive root itself.
func cleanEntryName(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "." {
		return ""
	}
	return name
}

// Returns a tar stream equal to r with the root entry renamed from "from"
// to "to". Hard link targets are renamed too. Entries outside the root pass
// through unchanged.
func Retarget(r io.Reader, from, to string) io.ReadCloser {
	if from == to {
		return io.NopCloser(r)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(retarget(r, pw, from, to))
	}()
	return pr
}

func retarget(r io.Reader, w io.Writer, from, to string) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(ErrArtifact, err)
		}

		hdr.Name = rename(hdr.Name, from, to)
		if hdr.Typeflag == tar.TypeLink {
			hdr.Linkname = rename(hdr.Linkname, from, to)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

func rename(name, from, to string) string {
	if name == from || name == from+"/" {
		return to + strings.TrimPrefix(name, from)
	}
	if rest, ok := strings.CutPrefix(name, from+"/"); ok {
		return to + "/" + rest
	}
	return name
}

// Returns a digest of the file or directory tree at p.
//
// A symlink at p is followed, matching what a host copy reads. Below the
// root, relative names, file types, permission bits, symlink targets and
// file contents are hashed in lexical walk order. Timestamps and ownership
// are not, so a fresh checkout of the same tree hashes the same.
func HashPath(p string) (digest.Digest, error) {
	root, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", hashError(p, err)
	}

	d := digest.Canonical.Digester()
	h := d.Hash()

	field := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	err = filepath.WalkDir(root, func(full string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		field([]byte(filepath.ToSlash(rel)))
		field([]byte(info.Mode().Type().String() + info.Mode().Perm().String()))

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return err
			}
			field([]byte(target))
		case info.Mode().IsRegular():
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			fd := digest.Canonical.Digester()
			_, err = io.Copy(fd.Hash(), f)
			f.Close()
			if err != nil {
				return err
			}
			field([]byte(fd.Digest()))
		}
		return nil
	})
	if err != nil {
		return "", hashError(p, err)
	}

	return d.Digest(), nil
}

func hashError(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Wrapf(ErrArtifact, "%s does not exist", p)
	}
	return errs.Wrap(ErrCache, err)
}
