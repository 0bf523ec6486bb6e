// Package limitio throttles the message downloads of an account.
package limitio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// DefaultBurst is the burst used when the account only gives a rate.
const DefaultBurst = 32 * 1024

// Reader is an io.Reader with a rate limit. The wait for tokens stops as soon as the context is done,
// so a download never outlives the task running it.
type Reader struct {
	ctx     context.Context
	source  io.Reader
	limiter *rate.Limiter
}

// NewReader returns an unlimited reader until SetRateLimit is called.
func NewReader(ctx context.Context, r io.Reader) *Reader {
	return &Reader{
		ctx:    ctx,
		source: r,
	}
}

// Limit wraps r when bytesPerSec is positive, and returns r untouched otherwise.
func Limit(ctx context.Context, r io.Reader, bytesPerSec float64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	reader := NewReader(ctx, r)
	reader.SetRateLimit(bytesPerSec, DefaultBurst)
	return reader
}

// SetRateLimit sets rate limit (bytes/sec) to the reader.
func (s *Reader) SetRateLimit(bytesPerSec float64, burst int) {
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (s *Reader) Read(p []byte) (int, error) {
	if s.limiter == nil {
		return s.source.Read(p)
	}
	if len(p) > s.limiter.Burst() {
		p = p[:s.limiter.Burst()]
	}
	// ask for a burst of data
	err := s.limiter.WaitN(s.ctx, s.limiter.Burst())
	if err != nil {
		return 0, err
	}
	return s.source.Read(p)
}
