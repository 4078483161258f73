package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePatternNamedParams(t *testing.T) {
	m, err := CompilePattern("/user/:action/:user?/:opt?")
	require.NoError(t, err)

	params, ok := m.Match("/user/code")
	require.True(t, ok)
	assert.Equal(t, "code", params["action"])
	assert.Empty(t, params["user"])

	params, ok = m.Match("/user/code/alice/12345")
	require.True(t, ok)
	assert.Equal(t, "code", params["action"])
	assert.Equal(t, "alice", params["user"])
	assert.Equal(t, "12345", params["opt"])

	_, ok = m.Match("/user")
	assert.False(t, ok)
	_, ok = m.Match("/other/code")
	assert.False(t, ok)

	// Trailing slash is tolerated.
	_, ok = m.Match("/user/code/")
	assert.True(t, ok)
}

func TestCompilePatternGroupConstraint(t *testing.T) {
	m, err := CompilePattern(`/:handle([$@!][A-Za-z0-9_.-]*)/*`)
	require.NoError(t, err)

	params, ok := m.Match("/$userList/alice")
	require.True(t, ok)
	assert.Equal(t, "$userList", params["handle"])
	assert.Equal(t, "alice", params["splat"])

	params, ok = m.Match("/@mail")
	require.True(t, ok)
	assert.Equal(t, "@mail", params["handle"])
	assert.Empty(t, params["splat"])

	params, ok = m.Match("/!info/a/b")
	require.True(t, ok)
	assert.Equal(t, "a/b", params["splat"])

	_, ok = m.Match("/plain")
	assert.False(t, ok)
}

func TestCompilePatternSplatAndRoot(t *testing.T) {
	splat, err := CompilePattern("*")
	require.NoError(t, err)
	params, ok := splat.Match("/anything/at/all")
	require.True(t, ok)
	assert.Equal(t, "anything/at/all", params["splat"])
	_, ok = splat.Match("/")
	assert.True(t, ok)

	root, err := CompilePattern("/")
	require.NoError(t, err)
	_, ok = root.Match("/")
	assert.True(t, ok)
	_, ok = root.Match("/x")
	assert.False(t, ok)
}

func TestCompilePatternRejectsBadSegments(t *testing.T) {
	_, err := CompilePattern("/:")
	assert.Error(t, err)
	_, err = CompilePattern("/:name([unclosed")
	assert.Error(t, err)
}

func TestVerbMatch(t *testing.T) {
	assert.True(t, verbMatch("any", "delete"))
	assert.True(t, verbMatch("", "post"))
	assert.True(t, verbMatch("get", "get"))
	assert.True(t, verbMatch("get", "head"))
	assert.False(t, verbMatch("post", "get"))
	assert.False(t, verbMatch("head", "get"))
	assert.True(t, verbMatch("post", "post"))
}
