package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Default()
	c.Port = 0
	require.ErrorIs(t, c.Validate(), ErrInvalidPort)

	c.Port = 70000
	require.ErrorIs(t, c.Validate(), ErrInvalidPort)
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	c := Default()
	c.Threshold = -1
	require.ErrorIs(t, c.Validate(), ErrInvalidThreshold)
}

func TestFromEnvOverlays(t *testing.T) {
	t.Setenv("VIZZLY_FAIL_ON_DIFF", "true")
	t.Setenv("VIZZLY_LOG_LEVEL", "debug")
	t.Setenv("VIZZLY_TOKEN", "tok-123")

	c := Default().FromEnv()
	require.True(t, c.FailOnDiff)
	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, "tok-123", c.Token)
}

func TestFromEnvOverlaysSyncFields(t *testing.T) {
	t.Setenv("VIZZLY_API_URL", "https://example.test")
	t.Setenv("VIZZLY_PROJECT", "my-project")
	t.Setenv("VIZZLY_BRANCH", "main")
	t.Setenv("VIZZLY_BUILD_ID", "build-42")
	t.Setenv("VIZZLY_ENVIRONMENT", "staging")

	c := Default().FromEnv()
	require.Equal(t, "https://example.test", c.APIBaseURL)
	require.Equal(t, "my-project", c.Project)
	require.Equal(t, "main", c.Branch)
	require.Equal(t, "build-42", c.BuildID)
	require.Equal(t, "staging", c.Environment)
}
