package image

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage(tagStr string) *Image {
	tag := ParseTag(tagStr, nil)
	return NewImage(tag, "registry.example.com", "sketchbook", "sha256:"+tagStr)
}

func TestCollectionLatestNewestFirst(t *testing.T) {
	c := NewCollection()
	c.Add(newTestImage("d_2077_10_01"))
	c.Add(newTestImage("d_2077_10_23"))
	c.Add(newTestImage("d_2077_10_10"))

	latest := c.Latest(CategoryDaily)
	require.NotNil(t, latest)
	assert.Equal(t, "d_2077_10_23", latest.Tag.Tag)
}

func TestCollectionMissingOnNodes(t *testing.T) {
	c := NewCollection()
	img := newTestImage("w_2077_43")
	img.MarkOnNode("node1")
	c.Add(img)

	eligible := []string{"node1", "node2"}
	missing := img.MissingOn(eligible)
	assert.Equal(t, []string{"node2"}, missing)
}

func TestCollectionSubsetIncludesRecommendedAndAliases(t *testing.T) {
	c := NewCollection()
	c.Add(newTestImage("recommended"))
	c.Add(newTestImage("r27_1_0"))
	c.Add(newTestImage("r27_0_0"))
	c.Add(newTestImage("w_2077_43"))
	c.Add(newTestImage("w_2077_42"))
	c.Add(newTestImage("d_2077_10_23"))
	c.Add(newTestImage("d_2077_10_22"))

	subset := c.Subset(SubsetOptions{
		RecommendedTag: "recommended",
		Releases:       1,
		Weeklies:       1,
		Dailies:        1,
	})

	tags := make(map[string]bool)
	for _, img := range subset {
		tags[img.Tag.Tag] = true
	}
	assert.True(t, tags["recommended"])
	assert.True(t, tags["r27_1_0"])
	assert.False(t, tags["r27_0_0"])
	assert.True(t, tags["w_2077_43"])
	assert.True(t, tags["d_2077_10_23"])
}

func TestCollectionFilterByCycle(t *testing.T) {
	c := NewCollection()
	withCycle := newTestImage("w_2077_43_c0027.001")
	withoutMatch := newTestImage("w_2077_42_c0028.001")
	c.Add(withCycle)
	c.Add(withoutMatch)

	cycle := 27
	filtered := c.Filter(FilterPolicy{Cycle: &cycle}, time.Now())

	require.Len(t, filtered, 1)
	assert.Equal(t, "w_2077_43_c0027.001", filtered[0].Tag.Tag)
}

func TestEligibleTaints(t *testing.T) {
	t.Run("prefer no schedule never disqualifies", func(t *testing.T) {
		ok, _ := Eligible([]Taint{{Key: "special", Effect: EffectPreferNoSchedule}}, nil)
		assert.True(t, ok)
	})

	t.Run("untolerated no schedule disqualifies", func(t *testing.T) {
		ok, reason := Eligible([]Taint{{Key: "special", Effect: EffectNoSchedule}}, nil)
		assert.False(t, ok)
		assert.NotEmpty(t, reason)
	})

	t.Run("tolerated no schedule is eligible", func(t *testing.T) {
		ok, _ := Eligible(
			[]Taint{{Key: "special", Effect: EffectNoSchedule}},
			[]Toleration{{Key: "special", Effect: EffectNoSchedule}},
		)
		assert.True(t, ok)
	})
}
