package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/nainya/spatialstore/internal/errors"
	"github.com/nainya/spatialstore/pkg/geometry"
)

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("-180, -90,180,90")
	require.NoError(t, err)
	assert.Equal(t, geometry.NewBBox(-180, -90, 180, 90), b)

	b, err = ParseBBox("11,24,-10,6")
	require.NoError(t, err, "flipped boxes parse")
	assert.True(t, b.FlippedX())
	assert.True(t, b.FlippedY())

	for _, bad := range []string{"", "1,2,3", "1,2,3,4,5", "a,2,3,4", "1,,3,4", "NaN,0,1,1", "Inf,0,1,1"} {
		_, err := ParseBBox(bad)
		require.Error(t, err, bad)
		assert.Equal(t, serrors.CodeInvalidBBox, serrors.GetCode(err), bad)
	}
}

func TestParsePlaneBounds(t *testing.T) {
	_, err := ParsePlaneBounds("180,-90,-180,90")
	require.Error(t, err)
	assert.Equal(t, serrors.CodeInvalidPlaneBounds, serrors.GetCode(err))

	_, err = ParsePlaneBounds("-180,-90,180")
	assert.Equal(t, serrors.CodeInvalidPlaneBounds, serrors.GetCode(err))
}

func TestParseParams(t *testing.T) {
	values, _ := url.ParseQuery("bbox=1,2,3,4&plane_bounds=-180,-90,180,90&count=true&stale=ok&limit=5&skip=1")
	q, err := ParseParams("idx", values)
	require.NoError(t, err)

	assert.Equal(t, "idx", q.Index)
	assert.Equal(t, geometry.NewBBox(1, 2, 3, 4), q.BBox)
	require.NotNil(t, q.PlaneBounds)
	assert.Equal(t, geometry.NewBBox(-180, -90, 180, 90), *q.PlaneBounds)
	assert.True(t, q.Count)
	assert.Equal(t, StaleOK, q.Stale)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 1, q.Skip)
	assert.Equal(t, "count", q.Mode())

	values, _ = url.ParseQuery("bbox=1,2,3,4")
	q, err = ParseParams("idx", values)
	require.NoError(t, err)
	assert.Nil(t, q.PlaneBounds)
	assert.False(t, q.Count)
	assert.Equal(t, StaleFalse, q.Stale)
}

func TestParseParamsErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"bbox=1,2,3",
		"bbox=1,2,3,4&count=maybe",
		"bbox=1,2,3,4&stale=later",
		"bbox=1,2,3,4&limit=-1",
		"bbox=1,2,3,4&skip=x",
		"bbox=1,2,3,4&plane_bounds=1,2",
	} {
		values, _ := url.ParseQuery(raw)
		_, err := ParseParams("idx", values)
		require.Error(t, err, raw)
		assert.True(t, serrors.IsValidation(err), raw)
	}
}

func TestStaleMode(t *testing.T) {
	m, err := ParseStale("update_after")
	require.NoError(t, err)
	assert.Equal(t, StaleUpdateAfter, m)
	assert.True(t, m.AcceptsStale())
	assert.False(t, StaleFalse.AcceptsStale())
	assert.Equal(t, "ok", StaleOK.String())
}
