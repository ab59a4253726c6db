package image_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	image "github.com/lsst-sqre/nublado-controller/internal/domain/image"
)

func TestEligibleNoTaints(t *testing.T) {
	eligible, comment := image.Eligible(nil, nil)
	assert.True(t, eligible)
	assert.Empty(t, comment)
}

func TestEligiblePreferNoScheduleAlwaysPasses(t *testing.T) {
	taints := []image.Taint{{Key: "dedicated", Value: "gpu", Effect: image.EffectPreferNoSchedule}}
	eligible, comment := image.Eligible(taints, nil)
	assert.True(t, eligible)
	assert.Empty(t, comment)
}

func TestEligibleUntoleratedNoScheduleFails(t *testing.T) {
	taints := []image.Taint{{Key: "dedicated", Value: "gpu", Effect: image.EffectNoSchedule}}
	eligible, comment := image.Eligible(taints, nil)
	assert.False(t, eligible)
	assert.Contains(t, comment, "dedicated")
}

func TestEligibleToleratedNoScheduleSucceeds(t *testing.T) {
	taints := []image.Taint{{Key: "dedicated", Value: "gpu", Effect: image.EffectNoSchedule}}
	tolerations := []image.Toleration{{Key: "dedicated", Effect: image.EffectNoSchedule}}
	eligible, comment := image.Eligible(taints, tolerations)
	assert.True(t, eligible)
	assert.Empty(t, comment)
}

func TestEligibleNoExecuteRequiresMatchingToleration(t *testing.T) {
	taints := []image.Taint{{Key: "spot", Value: "true", Effect: image.EffectNoExecute}}
	tolerations := []image.Toleration{{Key: "dedicated", Effect: image.EffectNoSchedule}}
	eligible, _ := image.Eligible(taints, tolerations)
	assert.False(t, eligible)
}
