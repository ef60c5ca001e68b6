package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBootstrapReposEmpty(t *testing.T) {
	targets, err := parseBootstrapRepos("")
	require.NoError(t, err)
	require.Nil(t, targets)
}

func TestParseBootstrapReposValid(t *testing.T) {
	raw := `[{"repo_url":"https://example.com/a.git","branch_name":"main"},{"repo_url":"https://example.com/b.git","branch_name":"dev"}]`
	targets, err := parseBootstrapRepos(raw)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	require.Equal(t, "https://example.com/a.git", targets[0].RepoURL)
	require.Equal(t, "dev", targets[1].BranchName)
}

func TestParseBootstrapReposRejectsIncompleteEntry(t *testing.T) {
	raw := `[{"branch_name":"main"}]`
	_, err := parseBootstrapRepos(raw)
	require.Error(t, err)
}

func TestParseBootstrapReposAllowsMissingBranchName(t *testing.T) {
	raw := `[{"repo_url":"https://example.com/a.git"}]`
	targets, err := parseBootstrapRepos(raw)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Empty(t, targets[0].BranchName)
}

func TestParseBootstrapReposRejectsMalformedJSON(t *testing.T) {
	_, err := parseBootstrapRepos("not json")
	require.Error(t, err)
}

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("MASTER_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("MASTER_KEY", "a-master-key")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("BOOTSTRAP_REPOS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "./data/branchctl.db", cfg.DatabasePath)
	require.Empty(t, cfg.Bootstrap)
}

func TestEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("BRANCHCTL_TEST_INT", "not-a-number")
	require.Equal(t, 42, envInt("BRANCHCTL_TEST_INT", 42))
}
