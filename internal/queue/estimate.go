package queue

import "time"

// waitSampleSize bounds the wait-time history used for ETA estimation.
const waitSampleSize = 50

// waitRing keeps the last waitSampleSize observed wait times.
type waitRing struct {
	samples [waitSampleSize]time.Duration
	next    int
	filled  int
}

func newWaitRing() *waitRing {
	return &waitRing{}
}

func (r *waitRing) record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % waitSampleSize
	if r.filled < waitSampleSize {
		r.filled++
	}
}

func (r *waitRing) count() int {
	return r.filled
}

// average returns the rounded arithmetic mean of the recorded samples,
// or false when none exist.
func (r *waitRing) average() (time.Duration, bool) {
	if r.filled == 0 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	n := time.Duration(r.filled)
	return (sum + n/2) / n, true
}

// history returns the samples oldest first, for persistence.
func (r *waitRing) history() []time.Duration {
	out := make([]time.Duration, 0, r.filled)
	if r.filled < waitSampleSize {
		for i := 0; i < r.filled; i++ {
			out = append(out, r.samples[i])
		}
		return out
	}
	for i := 0; i < waitSampleSize; i++ {
		out = append(out, r.samples[(r.next+i)%waitSampleSize])
	}
	return out
}

// load replaces the ring contents with the given samples, keeping at
// most the newest waitSampleSize.
func (r *waitRing) load(samples []time.Duration) {
	*r = waitRing{}
	if len(samples) > waitSampleSize {
		samples = samples[len(samples)-waitSampleSize:]
	}
	for _, d := range samples {
		r.record(d)
	}
}
