// Package workspace materializes the on-disk git working tree for a
// branch and keeps it in sync with its remote. Each branch_hash owns
// exactly one directory under the configured root; the working tree is
// never authoritative and is discarded/rebuilt on every sync.
//
// Grounded on the pack's git-hosting publisher package, which drives
// go-git/go-git/v5 directly for clone/branch/checkout operations and
// shells out via os/exec for anything go-git doesn't model (there, patch
// application; here, the dependency installer).
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/opsline-dev/branchctl/internal/errs"
)

// EntrypointFilenames lists the worker entrypoint files the Controller
// looks for, in order, per the worker contract. The first extension that
// exists under a workspace wins.
var EntrypointFilenames = []string{"agent.py", "agent.js", "agent.ts", "agent.sh"}

// Workspace materializes and maintains branch-keyed git working trees.
type Workspace struct {
	root string
}

// New returns a Workspace rooted at root. The directory is created lazily
// per branch, not eagerly here.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Dir returns the working tree path for a branch_hash, hex-encoded.
func (w *Workspace) Dir(branchHashHex string) string {
	return filepath.Join(w.root, branchHashHex)
}

func (w *Workspace) exists(branchHashHex string) bool {
	info, err := os.Stat(w.Dir(branchHashHex))
	return err == nil && info.IsDir()
}

// EnsureClone clones repoURL at branchName into the branch's workspace
// directory if it does not already exist, then installs dependencies.
// If the directory already exists, this is a no-op beyond a dependency
// install — callers that want a freshen should call Sync instead.
func (w *Workspace) EnsureClone(branchHashHex, repoURL, branchName string) error {
	dir := w.Dir(branchHashHex)

	if !w.exists(branchHashHex) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return errs.Workspace("workspace.ensure_clone", fmt.Errorf("creating workspace root: %w", err))
		}

		_, err := git.PlainClone(dir, false, &git.CloneOptions{
			URL:           repoURL,
			ReferenceName: plumbing.NewBranchReferenceName(branchName),
			SingleBranch:  true,
		})
		if err != nil {
			return errs.Workspace("workspace.ensure_clone", fmt.Errorf("cloning %s@%s: %w", repoURL, branchName, err))
		}
	}

	if err := w.runInstall(dir); err != nil {
		return errs.Workspace("workspace.ensure_clone", fmt.Errorf("installing dependencies: %w", err))
	}
	return nil
}

// Sync brings an existing workspace directory in line with its remote
// branch. Ordering is required: reset, fetch, checkout, pull, install.
// Any local modifications are discarded by design.
func (w *Workspace) Sync(branchHashHex, branchName string) error {
	dir := w.Dir(branchHashHex)

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return errs.Workspace("workspace.sync.open", fmt.Errorf("opening repository: %w", err))
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return errs.Workspace("workspace.sync.open", fmt.Errorf("getting worktree: %w", err))
	}

	head, err := repo.Head()
	if err != nil {
		return errs.Workspace("workspace.sync.reset", fmt.Errorf("resolving head: %w", err))
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		return errs.Workspace("workspace.sync.reset", fmt.Errorf("hard reset: %w", err))
	}

	if err := repo.Fetch(&git.FetchOptions{RemoteName: "origin", Force: true}); err != nil && err != git.NoErrAlreadyUpToDate {
		return errs.Workspace("workspace.sync.fetch", fmt.Errorf("fetching: %w", err))
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		remoteRef := plumbing.NewRemoteReferenceName("origin", branchName)
		remoteHead, resolveErr := repo.Reference(remoteRef, true)
		if resolveErr != nil {
			return errs.Workspace("workspace.sync.checkout", fmt.Errorf("checking out %s: %w", branchName, err))
		}
		if createErr := repo.CreateBranch(&config.Branch{Name: branchName, Remote: "origin", Merge: branchRef}); createErr != nil && createErr != git.ErrBranchExists {
			return errs.Workspace("workspace.sync.checkout", fmt.Errorf("creating local branch %s: %w", branchName, createErr))
		}
		if refErr := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteHead.Hash())); refErr != nil {
			return errs.Workspace("workspace.sync.checkout", fmt.Errorf("setting local branch ref: %w", refErr))
		}
		if checkoutErr := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); checkoutErr != nil {
			return errs.Workspace("workspace.sync.checkout", fmt.Errorf("checking out %s: %w", branchName, checkoutErr))
		}
	}

	if err := worktree.Pull(&git.PullOptions{RemoteName: "origin", ReferenceName: branchRef, Force: true}); err != nil && err != git.NoErrAlreadyUpToDate {
		return errs.Workspace("workspace.sync.pull", fmt.Errorf("pulling: %w", err))
	}

	if err := w.runInstall(dir); err != nil {
		return errs.Workspace("workspace.sync.install", fmt.Errorf("installing dependencies: %w", err))
	}
	return nil
}

// HasEntrypoint reports whether the branch's workspace contains one of
// the agreed worker entrypoint files.
func (w *Workspace) HasEntrypoint(branchHashHex string) bool {
	path, ok := w.EntrypointPath(branchHashHex)
	return ok && path != ""
}

// EntrypointPath returns the first matching entrypoint file for the
// branch's workspace, and whether one was found.
func (w *Workspace) EntrypointPath(branchHashHex string) (string, bool) {
	dir := w.Dir(branchHashHex)
	for _, name := range EntrypointFilenames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// runInstall shells out to the package manager implied by the lockfile
// present in dir. A workspace with no recognized lockfile is left alone;
// not every worker has dependencies to install.
func (w *Workspace) runInstall(dir string) error {
	cmd, ok := installCommandFor(dir)
	if !ok {
		return nil
	}

	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.String(), err, string(output))
	}
	return nil
}

func installCommandFor(dir string) (*exec.Cmd, bool) {
	switch {
	case fileExists(filepath.Join(dir, "package-lock.json")):
		return exec.Command("npm", "ci"), true
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return exec.Command("yarn", "install", "--frozen-lockfile"), true
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return exec.Command("pnpm", "install", "--frozen-lockfile"), true
	case fileExists(filepath.Join(dir, "package.json")):
		return exec.Command("npm", "install"), true
	case fileExists(filepath.Join(dir, "requirements.txt")):
		return exec.Command("pip", "install", "-r", "requirements.txt"), true
	case fileExists(filepath.Join(dir, "pyproject.toml")):
		return exec.Command("pip", "install", "."), true
	case fileExists(filepath.Join(dir, "go.mod")):
		return exec.Command("go", "mod", "download"), true
	default:
		return nil, false
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
