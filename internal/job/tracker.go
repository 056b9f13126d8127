package job

// transitions lists the allowed forward moves of the job lifecycle.
// Terminal states have no entries, so duplicate or late device reports
// against a finished job are rejected rather than applied.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusPrepare, StatusFailed},
	StatusPrepare:  {StatusProgress, StatusCompleted, StatusFailed},
	StatusProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status from which the target is reachable. Used
// to build conditional status updates that are race-safe without a read.
func sourcesOf(to Status) []Status {
	var from []Status
	for src, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, src)
			}
		}
	}
	return from
}

// ApportionVolume splits a total blend volume across recipe lines by
// their relative proportions. The line order of the input is preserved.
func ApportionVolume(totalVolume float64, lines []RecipeLine) []float64 {
	var sum float64
	for _, l := range lines {
		sum += l.Proportion
	}
	amounts := make([]float64, len(lines))
	if sum <= 0 {
		return amounts
	}
	for i, l := range lines {
		amounts[i] = totalVolume * l.Proportion / sum
	}
	return amounts
}
