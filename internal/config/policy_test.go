package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRetryPolicy(t *testing.T) {
	require.NoError(t, validateRetryPolicy(DefaultRetryPolicy()))

	require.Error(t, validateRetryPolicy(RetryPolicy{MaxRetryAttempts: 0, BackoffDays: []int{1}}))
	require.Error(t, validateRetryPolicy(RetryPolicy{MaxRetryAttempts: 3, BackoffDays: nil}))
	require.Error(t, validateRetryPolicy(RetryPolicy{MaxRetryAttempts: 3, BackoffDays: []int{1, 0}}))
}

func TestStaticRetryPolicyHolder(t *testing.T) {
	policy := RetryPolicy{MaxRetryAttempts: 5, BackoffDays: []int{2, 4}}
	holder := NewStaticRetryPolicyHolder(policy)
	require.Equal(t, policy, holder.Get())
}

func TestStaticRetryPolicyHolderRejectsInvalid(t *testing.T) {
	holder := NewStaticRetryPolicyHolder(RetryPolicy{MaxRetryAttempts: 3})
	require.Equal(t, DefaultRetryPolicy(), holder.Get())

	holder = NewStaticRetryPolicyHolder(RetryPolicy{MaxRetryAttempts: 0, BackoffDays: []int{1}})
	require.Equal(t, DefaultRetryPolicy(), holder.Get())
}
