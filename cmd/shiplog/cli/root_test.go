package cli

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(args ...string) error {
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestMissingRequiredFlags(t *testing.T) {
	err := execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	for _, name := range []string{
		"docker-image",
		"bash-command",
		"aws-cloudwatch-group",
		"aws-cloudwatch-stream",
		"aws-access-key-id",
		"aws-secret-access-key",
		"aws-region",
	} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestPartialFlagsStillUsageError(t *testing.T) {
	err := execute("--docker-image", "ubuntu", "--bash-command", "echo hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "aws-region")
	assert.NotContains(t, err.Error(), `"docker-image"`)
}

func TestInvalidLogLevel(t *testing.T) {
	err := execute("--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	err := execute("--no-such-flag")
	require.Error(t, err)
}
