package chain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsline-dev/branchctl/internal/chain"
	"github.com/opsline-dev/branchctl/internal/errs"
)

func TestBranchHashIsDeterministic(t *testing.T) {
	a := chain.BranchHash("https://example.com/repo.git", "main")
	b := chain.BranchHash("https://example.com/repo.git", "main")
	require.Equal(t, a, b)

	c := chain.BranchHash("https://example.com/repo.git", "dev")
	require.NotEqual(t, a, c)
}

func TestRegistryABIParses(t *testing.T) {
	parsedABI, err := chain.RegistryABI()
	require.NoError(t, err)

	_, ok := parsedABI.Methods["lookup"]
	require.True(t, ok)
	_, ok = parsedABI.Methods["register"]
	require.True(t, ok)
}

func TestUnconfiguredChainIsUnavailable(t *testing.T) {
	c := chain.New(chain.Config{})
	branchHash := chain.BranchHash("https://example.com/repo.git", "main")

	_, err := c.Lookup(context.Background(), branchHash)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindChainUnavailable))

	_, err = c.Register(context.Background(), branchHash)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindChainUnavailable))
}

func TestPartiallyConfiguredChainIsUnavailable(t *testing.T) {
	c := chain.New(chain.Config{RPCURL: "http://127.0.0.1:8545"})

	_, err := c.Lookup(context.Background(), chain.BranchHash("repo", "main"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindChainUnavailable))
}
