// Package pyramid builds multi-resolution schedules and the downsampled
// images for each level.
package pyramid

import (
	"fmt"
	"strings"
)

// MinExtent is the smallest number of voxels an in-plane axis may keep at
// the coarsest level.
const MinExtent = 64

// Schedule holds one per-axis downsampling factor vector per level, coarsest
// first.
type Schedule [][]int

// DefaultSchedule halves the factors level by level, ending at 1:
// level l uses 2^(levels-1-l) on every axis.
func DefaultSchedule(levels, dim int) Schedule {
	if levels < 1 {
		levels = 1
	}
	s := make(Schedule, levels)
	for l := range s {
		s[l] = make([]int, dim)
		f := 1 << (levels - 1 - l)
		for d := range s[l] {
			s[l][d] = f
		}
	}
	return s
}

// Build creates the schedule for an image of the given size. For 3-D
// volumes the through-plane axis is never undersampled. When the coarsest
// level would leave fewer than MinExtent voxels along an in-plane axis, one
// level is dropped and the schedule rebuilt, until the constraint holds or
// a single level remains.
//
// Parameters:
//   - levels: Requested number of levels
//   - size: Fixed image size per axis
//
// Returns:
//   - The schedule, whose length is the number of levels actually used
func Build(levels int, size []int) Schedule {
	dim := len(size)
	for {
		s := DefaultSchedule(levels, dim)
		if dim == 3 {
			s.pinThroughPlane()
		}
		if levels <= 1 || !s.tooCoarse(size) {
			return s
		}
		levels--
	}
}

func (s Schedule) pinThroughPlane() {
	for l := range s {
		s[l][2] = 1
	}
}

func (s Schedule) tooCoarse(size []int) bool {
	for d, f := range s[0] {
		if f > 1 && size[d]/f < MinExtent {
			return true
		}
	}
	return false
}

// Levels returns the number of levels
func (s Schedule) Levels() int {
	return len(s)
}

// Factors returns the per-axis factors at a level
func (s Schedule) Factors(level int) []int {
	return s[level]
}

// Validate checks every factor is at least 1
func (s Schedule) Validate() error {
	for l, factors := range s {
		for d, f := range factors {
			if f < 1 {
				return fmt.Errorf("level %d axis %d has factor %d", l, d, f)
			}
		}
	}
	return nil
}

// FormatFactors renders a level as "[x y z]". 2-D levels get a through-plane
// factor of 1.
func (s Schedule) FormatFactors(level int) string {
	parts := make([]string, 0, 3)
	for _, f := range s[level] {
		parts = append(parts, fmt.Sprint(f))
	}
	if len(parts) == 2 {
		parts = append(parts, "1")
	}
	return "[" + strings.Join(parts, " ") + "]"
}
