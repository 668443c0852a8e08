package strategy

// ComputeTrend derives a progress trend by comparing the current
// verification's failure count against the previous one. Fewer failed
// checks than last time is improving, more is regressing, the same is
// flat. With fewer than two data points the trend is unknown.
func ComputeTrend(prev []VerificationStats, current *VerificationStats) string {
	if current == nil || len(prev) == 0 {
		return TrendUnknown
	}
	last := prev[len(prev)-1]
	switch {
	case current.FailedChecks < last.FailedChecks:
		return TrendImproving
	case current.FailedChecks > last.FailedChecks:
		return TrendRegressing
	default:
		return TrendFlat
	}
}

// similarity scores how alike two consecutive snapshots are, in [0, 1].
// Identical after-SHAs mean the iteration changed nothing and score 1.
// Otherwise the score compares total churn (insertions + deletions):
// iterations that touch a similar amount of code score near 1, a large
// swing scores near 0.
func similarity(a, b SnapshotStats) float64 {
	if a.AfterSHA != "" && a.AfterSHA == b.AfterSHA {
		return 1
	}
	ca := a.Insertions + a.Deletions
	cb := b.Insertions + b.Deletions
	if ca == 0 && cb == 0 {
		return 1
	}
	max := ca
	if cb > max {
		max = cb
	}
	diff := ca - cb
	if diff < 0 {
		diff = -diff
	}
	return 1 - float64(diff)/float64(max)
}

// rollingSimilarity averages the pairwise similarity of consecutive
// snapshots within the last windowSize entries. It needs at least two
// snapshots in the window; ok is false otherwise.
func rollingSimilarity(snaps []SnapshotStats, windowSize int) (float64, bool) {
	if windowSize < 2 {
		windowSize = 2
	}
	if len(snaps) > windowSize {
		snaps = snaps[len(snaps)-windowSize:]
	}
	if len(snaps) < 2 {
		return 0, false
	}
	var sum float64
	for i := 1; i < len(snaps); i++ {
		sum += similarity(snaps[i-1], snaps[i])
	}
	return sum / float64(len(snaps)-1), true
}
