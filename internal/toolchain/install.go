package toolchain

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"mvdan.cc/sh/v3/syntax"
)

// Directory inside the stage that receives archives before extraction.
const StagingDir = "/tmp"

// Archive compression, identified by magic bytes.
type Compression string

const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gzip"
	CompressionXz    Compression = "xz"
	CompressionBzip2 Compression = "bzip2"
	CompressionZstd  Compression = "zstd"
)

var magics = []struct {
	prefix []byte
	comp   Compression
}{
	{[]byte{0x1f, 0x8b}, CompressionGzip},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, CompressionXz},
	{[]byte("BZh"), CompressionBzip2},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, CompressionZstd},
}

// Identifies the compression of the stream from its first bytes.
func Sniff(r io.Reader) (Compression, error) {
	head := make([]byte, 8)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.comp, nil
		}
	}
	return CompressionNone, nil
}

// Returns the GNU tar flag that decompresses c.
func (c Compression) tarFlag() string {
	switch c {
	case CompressionGzip:
		return "-z"
	case CompressionXz:
		return "-J"
	case CompressionBzip2:
		return "-j"
	case CompressionZstd:
		return "--zstd"
	}
	return ""
}

// Name of the archive file inside [StagingDir].
func (a Archive) Filename() string {
	return "kilnd-toolchain-" + a.Digest.Encoded()[:12] + ".tar"
}

// Returns a tar stream holding the archive as a single file named
// [Archive.Filename], suitable for copying into [StagingDir].
func (a Archive) Stream(ctx context.Context, c *cache.Cache) (io.ReadCloser, error) {
	blob, err := c.Open(ctx, a.Digest)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer blob.Close()
		tw := tar.NewWriter(pw)
		err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     a.Filename(),
			Mode:     0o644,
			Size:     a.Size,
		})
		if err == nil {
			_, err = io.Copy(tw, blob)
		}
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// Returns the shell command that unpacks the staged archive into the
// toolchain's path and removes the staged copy.
func (a Archive) InstallScript(tc pipeline.Toolchain) (string, error) {
	staged, err := quote(path.Join(StagingDir, a.Filename()))
	if err != nil {
		return "", err
	}
	dest, err := quote(tc.Path)
	if err != nil {
		return "", err
	}

	args := []string{"tar", "-x"}
	if flag := a.Compression.tarFlag(); flag != "" {
		args = append(args, flag)
	}
	args = append(args, "-f", staged, "-C", dest)
	if tc.Strip > 0 {
		args = append(args, fmt.Sprintf("--strip-components=%d", tc.Strip))
	}

	return fmt.Sprintf("mkdir -p %s && %s && rm -f %s", dest, strings.Join(args, " "), staged), nil
}

func quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", errs.Wrapf(ErrFetch, "cannot quote %q: %w", s, err)
	}
	return q, nil
}
