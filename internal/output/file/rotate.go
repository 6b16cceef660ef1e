package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"
)

// segment names the n-th rotated segment.
func (o *Output) segment(n int, compressed bool) string {
	name := fmt.Sprintf("%s.%d", o.path, n)
	if compressed {
		name += ".zst"
	}
	return name
}

// rotate retires the active file to segment 1 and reopens path empty.
// Caller holds o.mu.
func (o *Output) rotate() error {
	if err := errors.Join(o.flushLocked(), o.f.Close()); err != nil {
		return err
	}

	last := o.cfg.segments
	for _, zst := range []bool{false, true} {
		if err := os.Remove(o.segment(last, zst)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	for n := last - 1; n >= 1; n-- {
		for _, zst := range []bool{false, true} {
			err := os.Rename(o.segment(n, zst), o.segment(n+1, zst))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}

	first := o.segment(1, false)
	if err := os.Rename(o.path, first); err != nil {
		return err
	}
	if o.cfg.compress {
		if err := compress(first, o.segment(1, true)); err != nil {
			return err
		}
	}
	return o.open()
}

// compress writes src to dst as zstd and removes src.
func compress(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
