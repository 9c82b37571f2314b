package fee

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	tests := []struct {
		name   string
		policy RetryPolicy
	}{
		{"no attempts", RetryPolicy{MaxAttempts: 0, Multiplier: 2}},
		{"negative backoff", RetryPolicy{MaxAttempts: 1, InitialBackoff: -time.Millisecond, Multiplier: 2}},
		{"initial above max", RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Millisecond, Multiplier: 2}},
		{"shrinking", RetryPolicy{MaxAttempts: 1, Multiplier: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.policy.Validate())
		})
	}
}
