package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const maxThrottleChunk = 1 << 20

func throttleBurst(bytesPerSecond int64) int {
	return int(min(bytesPerSecond, maxThrottleChunk))
}

// waitN blocks until the limiter admits n bytes. WaitN rejects requests larger
// than the burst, so large transfers are admitted in burst-sized pieces.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	for n > 0 {
		chunk := min(n, limiter.Burst())
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

type throttledWriterAt struct {
	ctx     context.Context
	w       io.WriterAt
	limiter *rate.Limiter
}

func (t *throttledWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if err := waitN(t.ctx, t.limiter, len(p)); err != nil {
		return 0, err
	}
	return t.w.WriteAt(p, off)
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := waitN(t.ctx, t.limiter, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
