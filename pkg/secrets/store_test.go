package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		wantErr     bool
		errContains string
	}{
		{name: "memory", provider: "memory"},
		{name: "env", provider: "env"},
		{name: "empty defaults to env", provider: ""},
		{name: "unknown provider", provider: "k8s", wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(Config{Provider: tc.provider})
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errContains)
				assert.Nil(t, store)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, store)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "slack/token", "abc"))
	v, err := s.Get(ctx, "slack/token")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	keys, err := s.List(ctx, "slack/")
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/token"}, keys)

	require.NoError(t, s.Delete(ctx, "slack/token"))
	_, err = s.Get(ctx, "slack/token")
	assert.Error(t, err)
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	t.Setenv("OPS_SECRET_TEST", "value")
	s := NewEnvStore()

	v, err := s.Get(ctx, "OPS_SECRET_TEST")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = s.Get(ctx, "OPS_SECRET_TEST_MISSING")
	assert.Error(t, err)
}

func TestGetOrDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "k", "v")

	assert.Equal(t, "v", GetOrDefault(ctx, s, "k", "fallback"))
	assert.Equal(t, "fallback", GetOrDefault(ctx, s, "missing", "fallback"))
	assert.Equal(t, "fallback", GetOrDefault(ctx, nil, "k", "fallback"))
}

func TestEnvStore_KeyMapping(t *testing.T) {
	ctx := context.Background()
	t.Setenv("SLACK_VERIFICATION_TOKEN", "tok")
	s := NewEnvStore()

	v, err := s.Get(ctx, "slack/verification-token")
	require.NoError(t, err)
	assert.Equal(t, "tok", v)
}

func TestMemoryStore_Initial(t *testing.T) {
	s := NewMemoryStore(map[string]string{"a": "1"})
	v, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}
