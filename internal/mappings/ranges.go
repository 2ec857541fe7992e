package mappings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EpisodeRange is a finite, possibly discontiguous, ordered set of 1-based
// episode numbers, parsed from expressions like "e1-e12", "e1-", "-e12",
// "e1-e12|e14" or the specials sentinel "e0".
type EpisodeRange struct {
	segments []segment
	specials bool
}

// segment is an inclusive span. end == 0 means open-ended ("e5-").
type segment struct {
	start int
	end   int
}

// ParseRange parses an episode range expression. The empty string means the
// whole season ("e1-"). Negative, zero or reversed bounds are rejected,
// except the lone sentinel "e0" which addresses specials.
func ParseRange(expr string) (EpisodeRange, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return EpisodeRange{segments: []segment{{start: 1}}}, nil
	}
	if expr == "e0" {
		return EpisodeRange{specials: true}, nil
	}

	var r EpisodeRange
	for _, part := range strings.Split(expr, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			return EpisodeRange{}, fmt.Errorf("episode range %q: empty alternative", expr)
		}
		seg, err := parseSegment(part)
		if err != nil {
			return EpisodeRange{}, fmt.Errorf("episode range %q: %w", expr, err)
		}
		r.segments = append(r.segments, seg)
	}

	sort.Slice(r.segments, func(i, j int) bool {
		return r.segments[i].start < r.segments[j].start
	})
	return r, nil
}

func parseSegment(part string) (segment, error) {
	switch {
	case strings.HasPrefix(part, "-"):
		// "-e12" means from the season start.
		n, err := parseEpisode(part[1:])
		if err != nil {
			return segment{}, err
		}
		return segment{start: 1, end: n}, nil

	case strings.HasSuffix(part, "-"):
		n, err := parseEpisode(strings.TrimSuffix(part, "-"))
		if err != nil {
			return segment{}, err
		}
		return segment{start: n}, nil

	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		start, err := parseEpisode(bounds[0])
		if err != nil {
			return segment{}, err
		}
		end, err := parseEpisode(bounds[1])
		if err != nil {
			return segment{}, err
		}
		if end < start {
			return segment{}, fmt.Errorf("reversed range %q", part)
		}
		return segment{start: start, end: end}, nil

	default:
		n, err := parseEpisode(part)
		if err != nil {
			return segment{}, err
		}
		return segment{start: n, end: n}, nil
	}
}

func parseEpisode(s string) (int, error) {
	if !strings.HasPrefix(s, "e") {
		return 0, fmt.Errorf("expected episode token, got %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return 0, fmt.Errorf("bad episode number %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("episode number must be >= 1, got %d", n)
	}
	return n, nil
}

// Specials reports whether the range addresses the specials season (e0).
func (r EpisodeRange) Specials() bool { return r.specials }

// Contains reports whether the episode number is in the range.
func (r EpisodeRange) Contains(ep int) bool {
	if r.specials || ep < 1 {
		return false
	}
	for _, seg := range r.segments {
		if ep >= seg.start && (seg.end == 0 || ep <= seg.end) {
			return true
		}
	}
	return false
}

// Start returns the lowest episode number in the range, or 0 for specials.
func (r EpisodeRange) Start() int {
	if len(r.segments) == 0 {
		return 0
	}
	return r.segments[0].start
}

// Open reports whether the range has no upper bound.
func (r EpisodeRange) Open() bool {
	for _, seg := range r.segments {
		if seg.end == 0 {
			return true
		}
	}
	return false
}

// Episodes materializes the range as an ordered slice, capping open-ended
// segments at max. max <= 0 with an open segment yields only bounded parts.
func (r EpisodeRange) Episodes(max int) []int {
	var eps []int
	seen := make(map[int]bool)
	for _, seg := range r.segments {
		end := seg.end
		if end == 0 {
			if max <= 0 {
				continue
			}
			end = max
		}
		if max > 0 && end > max {
			end = max
		}
		for ep := seg.start; ep <= end; ep++ {
			if !seen[ep] {
				seen[ep] = true
				eps = append(eps, ep)
			}
		}
	}
	sort.Ints(eps)
	return eps
}

// Count returns the number of episodes, capping open segments at max.
func (r EpisodeRange) Count(max int) int {
	return len(r.Episodes(max))
}

// String reconstructs a canonical expression for the range.
func (r EpisodeRange) String() string {
	if r.specials {
		return "e0"
	}
	parts := make([]string, 0, len(r.segments))
	for _, seg := range r.segments {
		switch {
		case seg.end == 0:
			parts = append(parts, fmt.Sprintf("e%d-", seg.start))
		case seg.start == seg.end:
			parts = append(parts, fmt.Sprintf("e%d", seg.start))
		default:
			parts = append(parts, fmt.Sprintf("e%d-e%d", seg.start, seg.end))
		}
	}
	return strings.Join(parts, "|")
}
