package store

// Segment is an inclusive [StartMS, EndMS] time range of bar open times.
type Segment struct {
	StartMS int64
	EndMS   int64
}

// MissingSegments plans which ranges a backfill still has to fetch: the gap
// before the first cached bar, every interior hole wider than one interval,
// and the gap after the last cached bar. openTimes must be ascending. An
// empty cache yields the whole requested range.
func MissingSegments(startMS, endMS, intervalMS int64, openTimes []int64) []Segment {
	if startMS > endMS {
		return nil
	}
	if len(openTimes) == 0 {
		return []Segment{{StartMS: startMS, EndMS: endMS}}
	}

	var segments []Segment
	if openTimes[0] > startMS {
		segments = append(segments, Segment{StartMS: startMS, EndMS: openTimes[0] - intervalMS})
	}
	for i := 1; i < len(openTimes); i++ {
		prev, next := openTimes[i-1], openTimes[i]
		if next-prev > intervalMS {
			seg := Segment{StartMS: prev + intervalMS, EndMS: next - intervalMS}
			if seg.StartMS <= seg.EndMS {
				segments = append(segments, seg)
			}
		}
	}
	if last := openTimes[len(openTimes)-1]; last < endMS {
		segments = append(segments, Segment{StartMS: last + intervalMS, EndMS: endMS})
	}
	return segments
}

// OverlapSegments widens every segment by one interval on both sides so a
// refetch overlaps its neighbors and corrects edge bars that may have been
// written while still open.
func OverlapSegments(segments []Segment, intervalMS int64) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		out = append(out, Segment{StartMS: seg.StartMS - intervalMS, EndMS: seg.EndMS + intervalMS})
	}
	return out
}

// NormalizeSegments clamps segments to [startMS, endMS] and drops the ones
// that end up inverted.
func NormalizeSegments(segments []Segment, startMS, endMS int64) []Segment {
	var out []Segment
	for _, seg := range segments {
		if seg.StartMS < startMS {
			seg.StartMS = startMS
		}
		if seg.EndMS > endMS {
			seg.EndMS = endMS
		}
		if seg.StartMS <= seg.EndMS {
			out = append(out, seg)
		}
	}
	return out
}

// EstimateBars is the inclusive bar count of a range at a given interval.
func EstimateBars(startMS, endMS, intervalMS int64) int {
	if endMS < startMS {
		return 0
	}
	return int((endMS-startMS)/intervalMS) + 1
}
