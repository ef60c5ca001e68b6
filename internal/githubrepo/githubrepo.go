// Package githubrepo resolves metadata about a bootstrap repository from
// the GitHub API, following the same github.NewClient-over-oauth2 wiring
// the example publisher uses for its own PR operations.
package githubrepo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// Resolver looks up repository metadata on github.com. It is used during
// bootstrap when a BOOTSTRAP_REPOS entry names a repo but omits the
// branch, so the controller can recover the default branch instead of
// failing to start.
type Resolver struct {
	client *github.Client
}

// NewResolver builds a Resolver. token may be empty, in which case the
// GITHUB_TOKEN environment variable is used; if that is empty too,
// requests are made unauthenticated and are subject to GitHub's much
// lower anonymous rate limit.
func NewResolver(token string) *Resolver {
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return &Resolver{client: github.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)
	return &Resolver{client: github.NewClient(tc)}
}

// DefaultBranch returns the default branch name for a repoURL such as
// https://github.com/owner/repo or https://github.com/owner/repo.git.
func (r *Resolver) DefaultBranch(ctx context.Context, repoURL string) (string, error) {
	owner, repo, err := ownerRepoFromURL(repoURL)
	if err != nil {
		return "", err
	}
	ghRepo, _, err := r.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("githubrepo: fetching %s/%s: %w", owner, repo, err)
	}
	branch := ghRepo.GetDefaultBranch()
	if branch == "" {
		return "", fmt.Errorf("githubrepo: %s/%s has no default branch reported", owner, repo)
	}
	return branch, nil
}

func ownerRepoFromURL(repoURL string) (owner, repo string, err error) {
	cleaned := strings.TrimSuffix(repoURL, ".git")

	if strings.HasPrefix(cleaned, "git@") {
		// git@github.com:owner/repo
		parts := strings.SplitN(cleaned, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("githubrepo: cannot parse SSH remote %q", repoURL)
		}
		if parts[0] != "git@github.com" {
			return "", "", fmt.Errorf("githubrepo: remote %q is not on github.com", repoURL)
		}
		cleaned = parts[1]
	} else {
		u, parseErr := url.Parse(cleaned)
		if parseErr != nil {
			return "", "", fmt.Errorf("githubrepo: cannot parse remote %q: %w", repoURL, parseErr)
		}
		if u.Host != "github.com" && u.Host != "www.github.com" {
			return "", "", fmt.Errorf("githubrepo: remote %q is not on github.com", repoURL)
		}
		cleaned = strings.TrimPrefix(u.Path, "/")
	}

	segments := strings.Split(strings.Trim(cleaned, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("githubrepo: remote %q is not in owner/repo form", repoURL)
	}
	return segments[0], segments[1], nil
}
