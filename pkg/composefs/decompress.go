package composefs

import (
	"compress/gzip"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
)

// LayerMediaType identifies which decompressor a layer descriptor needs.
type LayerMediaType string

const (
	MediaTypeGzip       LayerMediaType = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeZstd       LayerMediaType = "application/vnd.oci.image.layer.v1.tar+zstd"
	MediaTypeUncompressed LayerMediaType = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeDockerGzip LayerMediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Decompressor wraps a layer byte stream, presenting the decompressed tar
// stream via Read. The upstream proxy pipe is only safe to reuse once the
// decompressor has been fully drained: zstd/chunked layers carry trailing
// frames after the logical tar content ends, and failing to read past
// that point leaves bytes stuck in the proxy's pipe, deadlocking it on the
// next request. Finish() performs that drain explicitly; forgetting to
// call it is a programmer error, not a recoverable one, so a Decompressor
// garbage-collected without a prior Finish panics from its finalizer (in
// all builds — this is a correctness bug, not a resource leak to tolerate).
type Decompressor interface {
	io.Reader
	// Finish fully drains the inner stream and releases it. Must be
	// called exactly once, after the tar reader built atop this
	// Decompressor has consumed EOF.
	Finish() error
}

// NewDecompressor returns the Decompressor for a layer's media type.
func NewDecompressor(mediaType LayerMediaType, inner io.ReadCloser) (Decompressor, error) {
	switch mediaType {
	case MediaTypeGzip, MediaTypeDockerGzip:
		return newGzipDecompressor(inner)
	case MediaTypeZstd:
		return newZstdDecompressor(inner)
	case MediaTypeUncompressed:
		d := &identityDecompressor{inner: inner}
		d.armFinalizer(d, "identityDecompressor")
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported layer media type: %s", mediaType)
	}
}

type finishGuard struct {
	finished bool
}

func (g *finishGuard) isFinished() bool { return g.finished }

// armFinalizer registers the drop check on self. The finalizer reads the
// flag through its argument rather than capturing g, since a closure
// holding a pointer into self would keep self reachable forever.
func (g *finishGuard) armFinalizer(self interface{ isFinished() bool }, name string) {
	runtime.SetFinalizer(self, func(obj interface{ isFinished() bool }) {
		if !obj.isFinished() {
			// Programmer error: the worker must call Finish() before
			// dropping a Decompressor, or the upstream proxy pipe
			// deadlocks on its next request. We cannot safely drain
			// from a finalizer (no guarantee of goroutine context or
			// that the underlying pipe is even still valid), so this
			// is surfaced as loudly as possible.
			panic(fmt.Sprintf("%s: dropped without calling Finish()", name))
		}
	})
}

type gzipDecompressor struct {
	finishGuard
	inner io.ReadCloser
	gz    *gzip.Reader
}

func newGzipDecompressor(inner io.ReadCloser) (*gzipDecompressor, error) {
	gz, err := gzip.NewReader(inner)
	if err != nil {
		return nil, fmt.Errorf("opening gzip layer stream: %w", err)
	}
	d := &gzipDecompressor{inner: inner, gz: gz}
	d.armFinalizer(d, "gzipDecompressor")
	return d, nil
}

func (d *gzipDecompressor) Read(p []byte) (int, error) { return d.gz.Read(p) }

func (d *gzipDecompressor) Finish() error {
	d.finished = true
	// Drain any trailing bytes (e.g. concatenated gzip members, or proxy
	// framing) so the upstream pipe doesn't block on its writer.
	_, _ = io.Copy(io.Discard, d.inner)
	if err := d.gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	return d.inner.Close()
}

type zstdDecompressor struct {
	finishGuard
	inner io.ReadCloser
	zr    *zstd.Decoder
}

func newZstdDecompressor(inner io.ReadCloser) (*zstdDecompressor, error) {
	zr, err := zstd.NewReader(inner)
	if err != nil {
		return nil, fmt.Errorf("opening zstd layer stream: %w", err)
	}
	d := &zstdDecompressor{inner: inner, zr: zr}
	d.armFinalizer(d, "zstdDecompressor")
	return d, nil
}

func (d *zstdDecompressor) Read(p []byte) (int, error) { return d.zr.Read(p) }

func (d *zstdDecompressor) Finish() error {
	d.finished = true
	_, _ = io.Copy(io.Discard, d.inner)
	d.zr.Close()
	return d.inner.Close()
}

// identityDecompressor passes an uncompressed (or legacy docker-tar)
// stream through unchanged.
type identityDecompressor struct {
	finishGuard
	inner io.ReadCloser
}

func (d *identityDecompressor) Read(p []byte) (int, error) { return d.inner.Read(p) }

func (d *identityDecompressor) Finish() error {
	d.finished = true
	_, _ = io.Copy(io.Discard, d.inner)
	return d.inner.Close()
}
