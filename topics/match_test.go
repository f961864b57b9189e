// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/logmq/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/#", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+", "a/b/c", false},
		{"+/+", "/finance", true},
		{"a/b/#", "a/b", false},
		{"a/b/#", "a/b/", true},
		{"foo/bar", "foo/bar", true},
		{"foo/+", "foo/bar", true},
		{"foo/+", "foo", false},
		{"foo/+", "foo/bar/baz", false},
		{"#", "foo/bar", true},
		{"#", "anything", true},
		{"+", "/finance", false},
		{"/+", "/finance", true},
		{"+/+", "foo/bar/baz", false},
		{"foo/", "foo/", true},
		{"foo/", "foo", false},
		{"$SYS/monitor/Clients", "$SYS/monitor/Clients", true},
		{"$SYS/#", "$SYS/monitor/Clients", true},
		{"#", "$SYS/monitor/Clients", true},
		{"+/monitor/Clients", "$SYS/monitor/Clients", true},
		{"+/+", "$SYS/monitor", true},
		{"foo/bar", "foo/baz", false},
		{"a/#/c", "a/b/c", false},
		{"", "foo", false},
		{"foo", "", false},
	}

	for _, tt := range tests {
		if got := topics.TopicMatch(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatch(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestParseFilterSegments(t *testing.T) {
	f, err := topics.ParseFilter("sensors/+/temp/#")
	require.NoError(t, err)

	assert.True(t, f.IsWildcard())
	assert.Equal(t, "sensors/+/temp/#", f.String())
	assert.Equal(t, []topics.Segment{
		{Value: "sensors", Kind: topics.Literal},
		{Value: "+", Kind: topics.SingleLevel},
		{Value: "temp", Kind: topics.Literal},
		{Value: "#", Kind: topics.MultiLevel},
	}, f.Segments())

	literal, err := topics.ParseFilter("a/b/")
	require.NoError(t, err)
	assert.False(t, literal.IsWildcard())
	assert.Len(t, literal.Segments(), 3)
	assert.Equal(t, "", literal.Segments()[2].Value)
}

func TestFilterMatchIsDeterministic(t *testing.T) {
	f := topics.MustParseFilter("a/+/c/#")
	for i := 0; i < 100; i++ {
		require.True(t, f.Match("a/x/c/d/e"))
		require.False(t, f.Match("a/x/c"))
	}
}

func TestMustParseFilterPanics(t *testing.T) {
	assert.Panics(t, func() { topics.MustParseFilter("a/#/b") })
}
