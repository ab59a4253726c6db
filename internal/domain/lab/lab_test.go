package lab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUsername(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"rachel", true},
		{"ribbon-27", true},
		{"a-b-c", false},
		{"Rachel", false},
		{"-rachel", false},
		{"rachel-", false},
		{"r", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUsername(tc.name)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidUsername)
			}
		})
	}
}

func TestLabSpecificationValidate(t *testing.T) {
	t.Run("missing required env", func(t *testing.T) {
		spec := LabSpecification{Env: map[string]string{}}
		assert.ErrorIs(t, spec.Validate(), ErrMissingRequiredEnv)
	})

	t.Run("present required env", func(t *testing.T) {
		spec := LabSpecification{Env: map[string]string{RequiredEnvVar: "/user/rachel"}}
		assert.NoError(t, spec.Validate())
	})
}

func TestStatusNotRunning(t *testing.T) {
	assert.True(t, StatusTerminated.NotRunning())
	assert.True(t, StatusFailed.NotRunning())
	assert.False(t, StatusRunning.NotRunning())
	assert.False(t, StatusPending.NotRunning())
}

func TestEventTypeTerminal(t *testing.T) {
	assert.True(t, EventComplete.Terminal())
	assert.True(t, EventFailed.Terminal())
	assert.False(t, EventInfo.Terminal())
	assert.False(t, EventError.Terminal())
}

func TestNextProgress(t *testing.T) {
	p := 5
	for i := 0; i < 50; i++ {
		next := NextProgress(p, 75)
		assert.GreaterOrEqual(t, next, p)
		assert.Less(t, next, 75)
		p = next
	}
	assert.Greater(t, p, 70)
}
