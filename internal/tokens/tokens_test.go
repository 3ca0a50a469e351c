package tokens_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhao-yangyang/DaemonChat/internal/tokens"
)

func TestApprox(t *testing.T) {
	assert.Equal(t, 0, tokens.Approx(""))
	assert.Equal(t, 2, tokens.Approx("hello"))
	assert.Equal(t, 25, tokens.Approx(strings.Repeat("a", 100)))
	assert.Equal(t, 1, tokens.Approx("héé"), "counts characters, not bytes")
}

func TestNew(t *testing.T) {
	c, err := tokens.New("")
	require.NoError(t, err)
	assert.Equal(t, 2, c("hello"))

	_, err = tokens.New("gpt2-but-wrong")
	assert.Error(t, err)
}

func TestTiktokenCounts(t *testing.T) {
	c, err := tokens.New(tokens.NameCL100K)
	require.NoError(t, err)

	assert.Equal(t, 0, c(""))
	n := c("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
}
