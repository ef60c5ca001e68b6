package supervisor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsline-dev/branchctl/internal/supervisor"
)

func TestNameIsDerivedFromFirst16HexChars(t *testing.T) {
	branchHash := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	name := supervisor.Name(branchHash)
	require.Equal(t, "0123456789abcdef", name)
}

func TestNameHandlesShortInput(t *testing.T) {
	name := supervisor.Name("abc")
	require.Equal(t, "abc", name)
}

func TestNameIsDeterministic(t *testing.T) {
	branchHash := "fedcba9876543210fedcba9876543210fedcba9876543210fedcba98765432"
	require.Equal(t, supervisor.Name(branchHash), supervisor.Name(branchHash))
}
