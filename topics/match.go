// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"fmt"
	"strings"
)

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// SegmentKind identifies what a filter segment matches.
type SegmentKind uint8

const (
	// Literal matches a topic level exactly.
	Literal SegmentKind = iota
	// SingleLevel ('+') matches exactly one topic level.
	SingleLevel
	// MultiLevel ('#') matches the level it occupies and every level after it.
	MultiLevel
)

// Segment is one '/'-separated level of a parsed filter.
type Segment struct {
	Value string
	Kind  SegmentKind
}

// Filter is a parsed topic filter. It is immutable once parsed.
type Filter struct {
	raw      string
	segments []Segment
	wildcard bool
}

// ParseFilter parses a subscription topic filter.
// Rules:
// - split on '/'; a trailing '/' yields a final empty level.
// - '#' must occupy a whole level and be the last one.
// - '+' must occupy a whole level.
func ParseFilter(filter string) (Filter, error) {
	if filter == "" {
		return Filter{}, fmt.Errorf("empty filter: %w", ErrInvalidTopicFilter)
	}

	levels := strings.Split(filter, separator)
	f := Filter{
		raw:      filter,
		segments: make([]Segment, 0, len(levels)),
	}

	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return Filter{}, fmt.Errorf("%q: '#' must be the last level: %w", filter, ErrInvalidTopicFilter)
			}
			f.segments = append(f.segments, Segment{Value: level, Kind: MultiLevel})
			f.wildcard = true
		case level == singleLevel:
			f.segments = append(f.segments, Segment{Value: level, Kind: SingleLevel})
			f.wildcard = true
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return Filter{}, fmt.Errorf("%q: wildcard inside level %q: %w", filter, level, ErrInvalidTopicFilter)
		default:
			f.segments = append(f.segments, Segment{Value: level, Kind: Literal})
		}
	}

	return f, nil
}

// MustParseFilter is like ParseFilter but panics on error.
func MustParseFilter(filter string) Filter {
	f, err := ParseFilter(filter)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the filter as supplied by the client.
func (f Filter) String() string {
	return f.raw
}

// IsWildcard reports whether the filter contains '+' or '#'.
func (f Filter) IsWildcard() bool {
	return f.wildcard
}

// Segments returns a copy of the parsed levels.
func (f Filter) Segments() []Segment {
	out := make([]Segment, len(f.segments))
	copy(out, f.segments)
	return out
}

// Match reports whether the topic name matches the filter.
// A '#' level needs the topic to reach that level, so "a/b/#" does not match "a/b".
// Wildcards treat '$' like any other character.
func (f Filter) Match(topic string) bool {
	if topic == "" || len(f.segments) == 0 {
		return false
	}
	if !f.wildcard {
		return f.raw == topic
	}

	levels := strings.Split(topic, separator)
	for i, seg := range f.segments {
		if seg.Kind == MultiLevel {
			return i < len(levels)
		}
		if i >= len(levels) {
			// Filter is longer than the topic.
			return false
		}
		if seg.Kind == SingleLevel {
			continue
		}
		if seg.Value != levels[i] {
			return false
		}
	}

	// All filter levels consumed without '#': lengths must agree.
	return len(f.segments) == len(levels)
}

// TopicMatch checks if the topic matches the given filter string.
// An unparsable filter matches nothing.
func TopicMatch(filter, topic string) bool {
	f, err := ParseFilter(filter)
	if err != nil {
		return false
	}
	return f.Match(topic)
}
