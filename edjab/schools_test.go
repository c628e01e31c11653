package edjab_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edjab/dbclient/edjab"
	"github.com/edjab/dbclient/store"
)

func TestPutSchool(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.client.PutSchool(ctx, edjab.School{
		ID:         " iit ",
		Name:       "Indian Institute of Technology",
		Categories: []string{"engineering", "science"},
		Stars:      [6]int64{1: 1, 5: 1},
	}))

	s, found, err := e.client.GetSchool(ctx, "IIT")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "IIT", s.ID)
	assert.Equal(t, "INDIAN INSTITUTE OF TECHNOLOGY", s.Name)
	assert.Equal(t, []string{"engineering", "science"}, s.Categories)
	assert.Zero(t, s.Followers)

	valid, err := e.client.IsValidSchool(ctx, "iit")
	require.NoError(t, err)
	assert.True(t, valid)
	valid, err = e.client.IsValidSchool(ctx, "NIT")
	require.NoError(t, err)
	assert.False(t, valid)

	var verr *store.ValidationError
	assert.ErrorAs(t, e.client.PutSchool(ctx, edjab.School{Name: "nameless"}), &verr)
}

func TestAverageRating(t *testing.T) {
	tests := []struct {
		name  string
		stars [6]int64
		want  float64
	}{
		{"no ratings", [6]int64{}, 0},
		{"one and five", [6]int64{1: 1, 5: 1}, 3},
		{"weighted", [6]int64{4: 3, 5: 1}, 4.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			require.NoError(t, e.client.PutSchool(ctx, edjab.School{ID: "IIT", Name: "iit", Stars: tt.stars}))

			got, err := e.client.AverageRating(ctx, "IIT")
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := newEnv(t).client.AverageRating(context.Background(), "NIT")
	assert.ErrorIs(t, err, edjab.ErrSchoolNotFound)
}

func TestAdjustSchoolCounter(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.school(t, "IIT")

	require.NoError(t, e.client.AdjustSchoolCounter(ctx, "IIT", edjab.CounterFollowers, 3))
	require.NoError(t, e.client.AdjustSchoolCounter(ctx, "IIT", edjab.StarCounters[4], 1))

	s, _, err := e.client.GetSchool(ctx, "IIT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Followers)
	assert.Equal(t, int64(1), s.Stars[4])

	assert.ErrorIs(t, e.client.AdjustSchoolCounter(ctx, "NIT", edjab.CounterFollowers, 1), edjab.ErrSchoolNotFound)

	var verr *store.ValidationError
	assert.ErrorAs(t, e.client.AdjustSchoolCounter(ctx, "IIT", "name", 1), &verr)
}

func TestAverageRating_TracksStarCounters(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.client.PutSchool(ctx, edjab.School{ID: "IIT", Name: "iit", Stars: [6]int64{5: 1}}))

	item, ok := e.db.Lookup(e.cfg.Tables.Schools, "INDIA", "IIT")
	require.True(t, ok)
	assert.NotContains(t, item, "averageRating", "the average is derived, never stored")

	require.NoError(t, e.client.AdjustSchoolCounter(ctx, "IIT", edjab.StarCounters[1], 1))
	got, err := e.client.AverageRating(ctx, "IIT")
	require.NoError(t, err)
	assert.InDelta(t, 3, got, 1e-9)
}
