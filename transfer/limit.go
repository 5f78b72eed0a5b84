package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttledReader paces Read calls through a shared rate limiter so
// concurrent transfers split one bandwidth budget.
type throttledReader struct {
	ctx     context.Context //nolint:containedctx // scoped to one transfer
	r       io.Reader
	limiter *rate.Limiter
}

func newThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}

	return &throttledReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := t.limiter.WaitN(t.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// throttledReaderAt is the ReaderAt analogue, used by upload sessions.
type throttledReaderAt struct {
	ctx     context.Context //nolint:containedctx // scoped to one transfer
	r       io.ReaderAt
	limiter *rate.Limiter
}

func newThrottledReaderAt(ctx context.Context, r io.ReaderAt, limiter *rate.Limiter) io.ReaderAt {
	if limiter == nil {
		return r
	}

	return &throttledReaderAt{ctx: ctx, r: r, limiter: limiter}
}

func (t *throttledReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := t.r.ReadAt(p, off)
	if n > 0 {
		burst := t.limiter.Burst()
		for waited := 0; waited < n; {
			step := n - waited
			if step > burst {
				step = burst
			}

			if waitErr := t.limiter.WaitN(t.ctx, step); waitErr != nil {
				return n, waitErr
			}

			waited += step
		}
	}

	return n, err
}
