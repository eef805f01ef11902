package objectstore

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// CompressOptions mirrors the teacher's CompressionOptions: a minimum
// size below which compression isn't worth the overhead, and an
// extension skip-list for content that's already compressed.
type CompressOptions struct {
	MinSize        int
	Level          int
	SkipExtensions []string
}

func DefaultCompressOptions() CompressOptions {
	return CompressOptions{
		MinSize: 1024,
		Level:   zlib.DefaultCompression,
		SkipExtensions: []string{
			".zip", ".gz", ".zst", ".xz", ".bz2", ".7z", ".rar",
			".png", ".jpg", ".jpeg", ".gif", ".webp",
			".mp3", ".mp4", ".avi", ".mkv",
			".pdf", ".docx", ".xlsx",
		},
	}
}

// compressor picks among the four algorithms the object store's
// one-byte header enumerates. Writers only ever emit raw or zlib;
// lzma and bz2 decoders are kept so objects written by another policy,
// or ingested from elsewhere, still read back correctly.
type compressor struct {
	opts CompressOptions

	zlibWriters sync.Pool
	bufs        sync.Pool
}

func newCompressor(opts CompressOptions) (*compressor, error) {
	if opts.MinSize == 0 && opts.Level == 0 && opts.SkipExtensions == nil {
		opts = DefaultCompressOptions()
	}

	// Validate the level eagerly, matching the teacher's pattern of
	// building one throwaway encoder at construction time to fail fast.
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, opts.Level)
	if err != nil {
		return nil, fmt.Errorf("creating test zlib writer: %w", err)
	}
	w.Close()

	c := &compressor{
		opts: opts,
		zlibWriters: sync.Pool{
			New: func() interface{} {
				w, _ := zlib.NewWriterLevel(io.Discard, opts.Level)
				return w
			},
		},
		bufs: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
	return c, nil
}

func (c *compressor) shouldCompress(path string, size int) bool {
	if size < c.opts.MinSize {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, skip := range c.opts.SkipExtensions {
		if ext == skip {
			return false
		}
	}
	return true
}

// compress returns the algorithm used and the (possibly unmodified)
// payload to write after the one-byte header.
func (c *compressor) compress(pathHint string, content []byte) (Algo, []byte, error) {
	if !c.shouldCompress(pathHint, len(content)) {
		return AlgoRaw, content, nil
	}

	buf := c.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufs.Put(buf)

	w := c.zlibWriters.Get().(*zlib.Writer)
	defer c.zlibWriters.Put(w)
	w.Reset(buf)

	if _, err := w.Write(content); err != nil {
		return 0, nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, nil, fmt.Errorf("finalizing zlib compress: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	// Compression that doesn't actually shrink the content isn't worth
	// the decode cost on every future read.
	if len(out) >= len(content) {
		return AlgoRaw, content, nil
	}
	return AlgoZlib, out, nil
}

func (c *compressor) decompress(algo Algo, payload []byte) ([]byte, error) {
	switch algo {
	case AlgoRaw:
		return payload, nil
	case AlgoZlib:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("opening zlib reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case AlgoLzma:
		r, err := lzma.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("opening lzma reader: %w", err)
		}
		return io.ReadAll(r)
	case AlgoBz2:
		// Decode-only: no pure-Go bz2 encoder is wired (see DESIGN.md),
		// so this path only ever serves objects the store did not
		// itself write.
		return io.ReadAll(bzip2.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unknown compression algorithm header %#x", byte(algo))
	}
}
