package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lsst-sqre/nublado-controller/internal/config"
	domainimage "github.com/lsst-sqre/nublado-controller/internal/domain/image"
)

func TestImageTolerations(t *testing.T) {
	cfg := &config.Config{
		Images: config.ImagesConfig{
			Tolerations: []config.TolerationConfig{
				{Key: "dedicated", Effect: domainimage.EffectNoSchedule},
				{Key: "spot", Effect: domainimage.EffectNoExecute},
			},
		},
	}

	got := cfg.ImageTolerations()
	assert.Equal(t, []domainimage.Toleration{
		{Key: "dedicated", Effect: domainimage.EffectNoSchedule},
		{Key: "spot", Effect: domainimage.EffectNoExecute},
	}, got)
}

func TestImageTolerationsEmpty(t *testing.T) {
	cfg := &config.Config{}
	got := cfg.ImageTolerations()
	assert.Empty(t, got)
}

func TestAliasTagSet(t *testing.T) {
	cfg := &config.Config{
		Images: config.ImagesConfig{AliasTags: []string{"recommended", "latest_weekly"}},
	}

	got := cfg.AliasTagSet()
	assert.True(t, got["recommended"])
	assert.True(t, got["latest_weekly"])
	assert.False(t, got["dailies"])
}
