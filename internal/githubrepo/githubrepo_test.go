package githubrepo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnerRepoFromHTTPSURL(t *testing.T) {
	owner, repo, err := ownerRepoFromURL("https://github.com/opsline-dev/branchctl.git")
	require.NoError(t, err)
	require.Equal(t, "opsline-dev", owner)
	require.Equal(t, "branchctl", repo)
}

func TestOwnerRepoFromHTTPSURLWithoutGitSuffix(t *testing.T) {
	owner, repo, err := ownerRepoFromURL("https://github.com/opsline-dev/branchctl")
	require.NoError(t, err)
	require.Equal(t, "opsline-dev", owner)
	require.Equal(t, "branchctl", repo)
}

func TestOwnerRepoFromSSHRemote(t *testing.T) {
	owner, repo, err := ownerRepoFromURL("git@github.com:opsline-dev/branchctl.git")
	require.NoError(t, err)
	require.Equal(t, "opsline-dev", owner)
	require.Equal(t, "branchctl", repo)
}

func TestOwnerRepoFromURLRejectsMalformedPath(t *testing.T) {
	_, _, err := ownerRepoFromURL("https://github.com/opsline-dev")
	require.Error(t, err)
}
