package store

import "testing"

func TestMissingSegments(t *testing.T) {
	tests := []struct {
		name      string
		startMS   int64
		endMS     int64
		interval  int64
		openTimes []int64
		expected  []Segment
	}{
		{
			name:      "interior gaps",
			startMS:   0,
			endMS:     9,
			interval:  1,
			openTimes: []int64{0, 1, 2, 5, 6, 9},
			expected:  []Segment{{3, 4}, {7, 8}},
		},
		{
			name:      "empty cache fetches whole range",
			startMS:   0,
			endMS:     9,
			interval:  1,
			openTimes: nil,
			expected:  []Segment{{0, 9}},
		},
		{
			name:      "leading gap",
			startMS:   0,
			endMS:     5,
			interval:  1,
			openTimes: []int64{3, 4, 5},
			expected:  []Segment{{0, 2}},
		},
		{
			name:      "trailing gap",
			startMS:   0,
			endMS:     5,
			interval:  1,
			openTimes: []int64{0, 1, 2},
			expected:  []Segment{{3, 5}},
		},
		{
			name:      "fully cached",
			startMS:   0,
			endMS:     3,
			interval:  1,
			openTimes: []int64{0, 1, 2, 3},
			expected:  nil,
		},
		{
			name:      "inverted range",
			startMS:   9,
			endMS:     0,
			interval:  1,
			openTimes: nil,
			expected:  nil,
		},
		{
			name:      "4h bars at millisecond scale",
			startMS:   0,
			endMS:     3 * 14400000,
			interval:  14400000,
			openTimes: []int64{0, 14400000},
			expected:  []Segment{{28800000, 43200000}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MissingSegments(tt.startMS, tt.endMS, tt.interval, tt.openTimes)
			if len(got) != len(tt.expected) {
				t.Fatalf("MissingSegments() = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("segment %d = %v, want %v", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

func TestOverlapSegments(t *testing.T) {
	got := OverlapSegments([]Segment{{3, 4}, {10, 20}}, 1)
	expected := []Segment{{2, 5}, {9, 21}}
	if len(got) != len(expected) {
		t.Fatalf("OverlapSegments() = %v, want %v", got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("segment %d = %v, want %v", i, got[i], expected[i])
		}
	}
}

func TestNormalizeSegments(t *testing.T) {
	tests := []struct {
		name     string
		segments []Segment
		startMS  int64
		endMS    int64
		expected []Segment
	}{
		{
			name:     "clamps to range",
			segments: []Segment{{-5, 20}},
			startMS:  0,
			endMS:    9,
			expected: []Segment{{0, 9}},
		},
		{
			name:     "drops segments outside the range",
			segments: []Segment{{-5, -1}, {2, 3}},
			startMS:  0,
			endMS:    9,
			expected: []Segment{{2, 3}},
		},
		{
			name:     "drops inverted segments",
			segments: []Segment{{8, 2}},
			startMS:  0,
			endMS:    9,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSegments(tt.segments, tt.startMS, tt.endMS)
			if len(got) != len(tt.expected) {
				t.Fatalf("NormalizeSegments() = %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("segment %d = %v, want %v", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

// The fetch planner runs missing -> overlap -> normalize; check the chain on
// a realistic cache state.
func TestFetchPlanChain(t *testing.T) {
	openTimes := []int64{0, 1, 2, 5, 6, 9}
	missing := MissingSegments(0, 9, 1, openTimes)
	got := NormalizeSegments(OverlapSegments(missing, 1), 0, 9)
	expected := []Segment{{2, 5}, {6, 9}}
	if len(got) != len(expected) {
		t.Fatalf("plan = %v, want %v", got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("segment %d = %v, want %v", i, got[i], expected[i])
		}
	}
}

func TestEstimateBars(t *testing.T) {
	tests := []struct {
		name     string
		startMS  int64
		endMS    int64
		interval int64
		expected int
	}{
		{"unit interval", 0, 9, 1, 10},
		{"single bar", 0, 0, 1, 1},
		{"inverted range", 9, 0, 1, 0},
		{"partial bar truncates", 0, 9, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateBars(tt.startMS, tt.endMS, tt.interval); got != tt.expected {
				t.Errorf("EstimateBars() = %d, want %d", got, tt.expected)
			}
		})
	}
}
