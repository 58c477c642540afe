package driveops

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// burstMultiplier sizes the token bucket at twice the per-second rate so a
// chunk can spend savings from a slow previous chunk.
const burstMultiplier = 2

// BandwidthLimiter caps aggregate upload throughput. One limiter is shared
// by every upload of a Drive. A nil *BandwidthLimiter means unlimited.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter returns a limiter for bytesPerSec, or nil when
// bytesPerSec is zero or negative.
func NewBandwidthLimiter(bytesPerSec int64, logger *slog.Logger) *BandwidthLimiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec) * burstMultiplier

	if logger != nil {
		logger.Info("bandwidth limiter created",
			slog.Int64("bytes_per_sec", bytesPerSec),
			slog.Int("burst", burst),
		)
	}

	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes may be sent. Nil-safe.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	if bl == nil {
		return nil
	}

	// WaitN rejects requests larger than the burst, so take it in slices.
	burst := bl.limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := bl.limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
