package retry

import (
	"time"

	"github.com/bytedance/gopkg/lang/fastrand"
)

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt, capped at max, plus up to 10% jitter so entries that
// failed together do not retry in lockstep.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(fastrand.Int63n(int64(delay)/10+1))
}
