package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagCategories(t *testing.T) {
	cases := []struct {
		tag      string
		category Category
	}{
		{"r27_0_0", CategoryRelease},
		{"r27_0_0_rc1", CategoryCandidate},
		{"w_2077_43", CategoryWeekly},
		{"d_2077_10_23", CategoryDaily},
		{"exp_w_2077_43", CategoryExperimental},
		{"recommended", CategoryAlias},
		{"latest_daily", CategoryAlias},
		{"sketchbook", CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.tag, func(t *testing.T) {
			tag := ParseTag(tc.tag, nil)
			assert.Equal(t, tc.category, tag.Category)
		})
	}
}

func TestParseTagUnknownDisplayName(t *testing.T) {
	tag := ParseTag("garbage-tag", nil)
	assert.Equal(t, CategoryUnknown, tag.Category)
	assert.Equal(t, "garbage-tag", tag.DisplayName)
}

func TestParseTagSuffixes(t *testing.T) {
	tag := ParseTag("w_2077_43_c0027.001_rsp1", nil)
	require.Equal(t, CategoryWeekly, tag.Category)
	require.NotNil(t, tag.Cycle)
	require.NotNil(t, tag.CycleBuild)
	require.NotNil(t, tag.RSPBuild)
	assert.Equal(t, 27, *tag.Cycle)
	assert.Equal(t, 1, *tag.CycleBuild)
	assert.Equal(t, 1, *tag.RSPBuild)
	assert.Contains(t, tag.DisplayName, "SAL Cycle 27")
	assert.Contains(t, tag.DisplayName, "RSP Build 1")
}

func TestCompareSameCategoryTrichotomy(t *testing.T) {
	a := ParseTag("r27_1_0", nil)
	b := ParseTag("r27_0_0", nil)

	cmp, err := a.Compare(b)
	require.NoError(t, err)
	assert.True(t, cmp < 0, "newer release should sort first")

	cmp2, err := b.Compare(a)
	require.NoError(t, err)
	assert.True(t, cmp2 > 0)

	cmp3, err := a.Compare(a)
	require.NoError(t, err)
	assert.Equal(t, 0, cmp3)
}

func TestCompareAcrossCategoriesErrors(t *testing.T) {
	a := ParseTag("r27_1_0", nil)
	b := ParseTag("w_2077_43", nil)
	_, err := a.Compare(b)
	assert.ErrorIs(t, err, ErrIncomparable)
}

func TestCompareDailyOrdering(t *testing.T) {
	newer := ParseTag("d_2077_10_23", nil)
	older := ParseTag("d_2077_10_01", nil)
	cmp, err := newer.Compare(older)
	require.NoError(t, err)
	assert.True(t, cmp < 0)
}

func TestParseTagRoundTripIdentity(t *testing.T) {
	for _, tagStr := range []string{"r27_0_0", "w_2077_43", "d_2077_10_23", "exp_w_2077_43_c0027.001"} {
		tag := ParseTag(tagStr, nil)
		assert.Equal(t, tagStr, tag.Tag)
		assert.NotEqual(t, CategoryUnknown, tag.Category)
	}
}
