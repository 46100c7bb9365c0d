package cache

// Summary is the condensed verdict of a reputation lookup: counts of
// malicious/suspicious/clean/undetected engines, plus their total.
type Summary struct {
	Malicious   int
	Suspicious  int
	Clean       int
	Undetected  int
	TotalScans  int
}

// NewSummary builds a Summary and computes TotalScans as the sum of the
// other four counters.
func NewSummary(malicious, suspicious, clean, undetected int) Summary {
	return Summary{
		Malicious:  malicious,
		Suspicious: suspicious,
		Clean:      clean,
		Undetected: undetected,
		TotalScans: malicious + suspicious + clean + undetected,
	}
}
