// Package config resolves the controller's process-level settings from
// the environment, following the teacher's plain os.Getenv-plus-default
// pattern (its cmd/streamable-http/main.go reads PORT/POSTGRES_URL the
// same way) rather than a dedicated config library.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/opsline-dev/branchctl/internal/controller"
	"github.com/opsline-dev/branchctl/internal/githubrepo"
)

// Config is every environment-sourced setting the controller needs.
type Config struct {
	Port int

	DatabasePath  string
	WorkspaceRoot string

	MasterKey string

	RPCURL          string
	PrivateKeyHex   string
	RegistryAddress string

	BackendURL  string
	WorkerImage string

	Bootstrap []controller.BootstrapTarget
}

// Load resolves Config from the process environment. Callers are
// expected to import github.com/joho/godotenv/autoload (or equivalent)
// beforehand so a .env file in the working directory is honored.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envInt("PORT", 8080),
		DatabasePath:    envString("DATABASE_PATH", "./data/branchctl.db"),
		WorkspaceRoot:   envString("WORKSPACE_ROOT", "./data/workspaces"),
		MasterKey:       os.Getenv("MASTER_KEY"),
		RPCURL:          os.Getenv("RPC_URL"),
		PrivateKeyHex:   os.Getenv("CONTROLLER_PRIVATE_KEY"),
		RegistryAddress: os.Getenv("REGISTRY_ADDRESS"),
		BackendURL:      envString("BACKEND_URL", "http://localhost:8080"),
		WorkerImage:     envString("WORKER_IMAGE", "branchctl-worker:latest"),
	}

	bootstrap, err := parseBootstrapRepos(os.Getenv("BOOTSTRAP_REPOS"))
	if err != nil {
		return nil, fmt.Errorf("config: parsing BOOTSTRAP_REPOS: %w", err)
	}
	if err := resolveMissingBranches(bootstrap, os.Getenv("GITHUB_TOKEN")); err != nil {
		return nil, fmt.Errorf("config: resolving default branches for BOOTSTRAP_REPOS: %w", err)
	}
	cfg.Bootstrap = bootstrap

	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("config: MASTER_KEY is required")
	}

	return cfg, nil
}

// bootstrapRepoEntry mirrors the JSON shape BOOTSTRAP_REPOS carries: a
// flat array of {repo_url, branch_name} objects. This is the explicit
// resolution of the open question of how the bootstrap list is supplied
// — an environment variable rather than a hard-coded list, so recovery
// targets can be changed without a rebuild.
type bootstrapRepoEntry struct {
	RepoURL    string `json:"repo_url"`
	BranchName string `json:"branch_name"`
}

func parseBootstrapRepos(raw string) ([]controller.BootstrapTarget, error) {
	if raw == "" {
		return nil, nil
	}

	var entries []bootstrapRepoEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	targets := make([]controller.BootstrapTarget, 0, len(entries))
	for _, e := range entries {
		if e.RepoURL == "" {
			return nil, fmt.Errorf("entry %+v missing repo_url", e)
		}
		targets = append(targets, controller.BootstrapTarget{RepoURL: e.RepoURL, BranchName: e.BranchName})
	}
	return targets, nil
}

// resolveMissingBranches fills in BranchName for any bootstrap target that
// omitted it, using the GitHub API's reported default branch. Entries for
// non-GitHub remotes that are missing a branch are left as an error since
// there is no registry to ask.
func resolveMissingBranches(targets []controller.BootstrapTarget, githubToken string) error {
	var resolver *githubrepo.Resolver
	for i, t := range targets {
		if t.BranchName != "" {
			continue
		}
		if resolver == nil {
			resolver = githubrepo.NewResolver(githubToken)
		}
		branch, err := resolver.DefaultBranch(context.Background(), t.RepoURL)
		if err != nil {
			return fmt.Errorf("repo %q has no branch_name and its default branch could not be resolved: %w", t.RepoURL, err)
		}
		targets[i].BranchName = branch
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}
