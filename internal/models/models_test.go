package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngagementCounts_Weighted(t *testing.T) {
	counts := EngagementCounts{Replies: 4, Reposts: 2, Likes: 10, Quotes: 1}
	assert.Equal(t, 4*2+2*3+10+1*2, counts.Weighted())
}

func TestHistory_AppendIsBounded(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h = h.Append(float64(i))
	}

	assert.Equal(t, []float64{3, 4, 5}, h.Values)
	assert.InDelta(t, 4.0, h.Mean(), 1e-9)
}

func TestHistory_AppendDoesNotMutateReceiver(t *testing.T) {
	base := NewHistory(2).Append(1)
	next := base.Append(2)

	assert.Equal(t, []float64{1}, base.Values)
	assert.Equal(t, []float64{1, 2}, next.Values)
}

func TestFilters_Match(t *testing.T) {
	mention := Mention{
		Author:     Author{FollowerCount: 500},
		Engagement: 20,
		Language:   "en",
	}

	tests := []struct {
		name     string
		filters  Filters
		mention  Mention
		expected bool
	}{
		{name: "No filters", filters: Filters{}, mention: mention, expected: true},
		{name: "Too few followers", filters: Filters{MinFollowers: 1000}, mention: mention, expected: false},
		{name: "Too little engagement", filters: Filters{MinEngagement: 21}, mention: mention, expected: false},
		{name: "Language allowed", filters: Filters{Languages: []string{"EN", "es"}}, mention: mention, expected: true},
		{name: "Language rejected", filters: Filters{Languages: []string{"es"}}, mention: mention, expected: false},
		{
			name:     "Repost excluded",
			filters:  Filters{ExcludeReposts: true},
			mention:  Mention{IsRepost: true, Author: Author{FollowerCount: 1}},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filters.Match(tt.mention))
		})
	}
}

func TestMonitor_CloneIsDeep(t *testing.T) {
	m := Monitor{
		Keywords: []string{"BTC"},
		State:    MonitorState{RecentVolumeHistory: NewHistory(5).Append(1)},
	}

	c := m.Clone()
	c.Keywords[0] = "ETH"
	c.State.RecentVolumeHistory.Values[0] = 99

	assert.Equal(t, "BTC", m.Keywords[0])
	assert.Equal(t, 1.0, m.State.RecentVolumeHistory.Values[0])
}

func TestMonitor_SearchTermsFallsBackToName(t *testing.T) {
	m := Monitor{Name: " Solana ", Keywords: []string{"  "}}
	assert.Equal(t, []string{"Solana"}, m.SearchTerms())
}
