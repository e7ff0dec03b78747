package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunner(t *testing.T) {
	ctx := context.Background()

	out, err := LocalRunner{}.Run(ctx, "", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	_, err = LocalRunner{}.Run(ctx, "", "false")
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}

func TestShellRunner(t *testing.T) {
	ctx := context.Background()

	r := ShellRunner{Wrapper: []string{"sh", "-c"}}
	out, err := r.Run(ctx, t.TempDir(), "echo", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestComposeScript(t *testing.T) {
	script, err := composeScript("", "git", []string{"status"})
	require.NoError(t, err)
	assert.Equal(t, "git status", script)

	// Arguments with spaces and quotes must survive the extra shell.
	r := ShellRunner{Wrapper: []string{"sh", "-c"}}
	out, err := r.Run(context.Background(), "", "printf", "%s", "it's a dir with spaces")
	require.NoError(t, err)
	assert.Equal(t, "it's a dir with spaces", out)
}

func TestExitCode_NonCommandError(t *testing.T) {
	assert.Equal(t, -1, ExitCode(assert.AnError))
	assert.Empty(t, StderrOf(assert.AnError))
}
