package cache

import "math"

// Probe is what a similarity strategy knows about the incoming audio.
type Probe struct {
	Hash string
	Head string
	Tail string
	Size int
}

type SimilarityStrategy interface {
	Match(probe Probe, candidate Entry) bool
}

type SimilarityFunc func(probe Probe, candidate Entry) bool

func (f SimilarityFunc) Match(probe Probe, candidate Entry) bool {
	return f(probe, candidate)
}

// EdgesAndSize accepts a candidate whose leading and trailing chunk digests
// both equal the probe's and whose original size is within tolerance (a
// fraction) of it. A shared opening alone, such as leading silence or a
// common greeting, is not enough.
func EdgesAndSize(tolerance float64) SimilarityFunc {
	return func(probe Probe, candidate Entry) bool {
		if probe.Head == "" || candidate.Metadata.HeadDigest != probe.Head {
			return false
		}
		if probe.Tail == "" || candidate.Metadata.TailDigest != probe.Tail {
			return false
		}
		size := candidate.Metadata.OriginalSize
		if size <= 0 || probe.Size <= 0 {
			return false
		}
		diff := math.Abs(float64(size - probe.Size))
		return diff/float64(max(size, probe.Size)) <= tolerance
	}
}
