package anilist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScaleScore(t *testing.T) {
	cases := []struct {
		rating float64
		format ScoreFormat
		want   float64
	}{
		{0, ScorePoint100, 0},
		{9, ScorePoint100, 90},
		{8.5, ScorePoint100, 85},
		{8.5, ScorePoint10Decimal, 8.5},
		{8.5, ScorePoint10, 9},
		{8.4, ScorePoint10, 8},
		{9, ScorePoint5, 5},
		{1, ScorePoint5, 1},
		{9, ScorePoint3, 3},
		{5, ScorePoint3, 2},
		{2, ScorePoint3, 1},
		{11, ScorePoint10, 10},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ScaleScore(tc.rating, tc.format),
			"rating %v as %s", tc.rating, tc.format)
	}
}

func TestFuzzyDate(t *testing.T) {
	d := FuzzyDateFrom(time.Date(2024, 3, 1, 22, 15, 0, 0, time.UTC))
	assert.Equal(t, FuzzyDate{Year: 2024, Month: 3, Day: 1}, d)
	assert.Equal(t, "2024-03-01", d.String())
	assert.False(t, d.IsZero())
	assert.True(t, FuzzyDate{}.IsZero())
	assert.Equal(t, "", FuzzyDate{}.String())

	earlier := FuzzyDate{Year: 2024, Month: 2, Day: 28}
	assert.True(t, earlier.Before(d))
	assert.False(t, d.Before(earlier))
	assert.False(t, d.Before(d))
	// Unset compares as earliest.
	assert.True(t, FuzzyDate{}.Before(d))
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusPlanning.Rank(), StatusCurrent.Rank())
	assert.Less(t, StatusCurrent.Rank(), StatusCompleted.Rank())
	assert.Less(t, StatusCompleted.Rank(), StatusRepeating.Rank())
	assert.Equal(t, 0, MediaListStatus("BOGUS").Rank())
}

func TestListCache(t *testing.T) {
	score := 8.0
	list := NewList([]ListEntry{
		{ID: 1, MediaID: 21, Status: StatusCurrent, Progress: 3, Score: &score},
	})
	assert.Equal(t, 1, list.Len())

	e := list.Get(21)
	assert.NotNil(t, e)

	// Upsert stores a copy; mutating the source must not leak in.
	updated := &ListEntry{ID: 1, MediaID: 21, Status: StatusCompleted, Progress: 12}
	list.Upsert(updated)
	updated.Progress = 99
	assert.Equal(t, 12, list.Get(21).Progress)

	list.Remove(21)
	assert.Nil(t, list.Get(21))
	assert.Equal(t, 0, list.Len())
}

func TestListEntryClone(t *testing.T) {
	score := 7.5
	notes := "n"
	e := &ListEntry{
		MediaID:   21,
		Score:     &score,
		Notes:     &notes,
		StartedAt: &FuzzyDate{Year: 2024},
	}
	c := e.Clone()
	*c.Score = 1
	c.StartedAt.Year = 2000
	assert.Equal(t, 7.5, *e.Score)
	assert.Equal(t, 2024, e.StartedAt.Year)

	assert.Nil(t, (*ListEntry)(nil).Clone())
}

func TestMediaTitleAll(t *testing.T) {
	title := MediaTitle{Romaji: "Kimetsu no Yaiba", English: "Demon Slayer"}
	assert.Equal(t, []string{"Kimetsu no Yaiba", "Demon Slayer"}, title.All())
	assert.Empty(t, MediaTitle{}.All())
}
