package cmd

import (
	"bytes"
	"github.com/ashtonxiong/cs278-discord/modbot"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := modbot.Version
	originalCommitSHA := modbot.CommitSHA
	originalBuildTime := modbot.BuildTime

	t.Cleanup(
		func() {
			modbot.Version = originalVersion
			modbot.CommitSHA = originalCommitSHA
			modbot.BuildTime = originalBuildTime
		},
	)

	modbot.Version = "1.0.0"
	modbot.CommitSHA = "abc123"
	modbot.BuildTime = "2024-06-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2024-06-01T12:00:00Z", out.String())
}
