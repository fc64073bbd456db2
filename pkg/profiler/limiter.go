package profiler

// limiter is a semaphore bounding how many probes run at once; acquire
// blocks until a slot frees up, preserving the start-N-wait-for-one
// admission pattern.
type limiter struct {
	sem chan struct{}
}

func newLimiter(n int) *limiter {
	if n < 1 {
		n = 1
	}
	return &limiter{sem: make(chan struct{}, n)}
}

func (l *limiter) acquire() { l.sem <- struct{}{} }
func (l *limiter) release() { <-l.sem }

func (l *limiter) size() int { return cap(l.sem) }
