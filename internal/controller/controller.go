// Package controller orchestrates the Store, Crypto, Chain, Workspace,
// and Supervisor components for each push, on startup, and on every
// liveness query, per the push-handler state machine and reconciliation
// rules.
package controller

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsline-dev/branchctl/internal/chain"
	"github.com/opsline-dev/branchctl/internal/crypto"
	"github.com/opsline-dev/branchctl/internal/errs"
	"github.com/opsline-dev/branchctl/internal/models"
	"github.com/opsline-dev/branchctl/internal/store"
	"github.com/opsline-dev/branchctl/internal/supervisor"
)

// Config carries the controller's own process-level settings, as opposed
// to the dependencies it orchestrates.
type Config struct {
	BackendURL  string
	RPCURL      string
	WorkerImage string
}

// WorkspaceClient is the subset of *workspace.Workspace the Controller
// depends on. Declared as an interface so unit tests can substitute an
// in-memory fake instead of driving real git clones.
type WorkspaceClient interface {
	Dir(branchHashHex string) string
	EnsureClone(branchHashHex, repoURL, branchName string) error
	Sync(branchHashHex, branchName string) error
	HasEntrypoint(branchHashHex string) bool
	EntrypointPath(branchHashHex string) (string, bool)
}

// SupervisorClient is the subset of *supervisor.Supervisor the Controller
// depends on, behind an interface for the same reason as WorkspaceClient.
type SupervisorClient interface {
	Describe(ctx context.Context, name string) (*supervisor.ProcessInfo, error)
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ProcessInfo, error)
	Reload(ctx context.Context, name string) (*supervisor.ProcessInfo, error)
	Delete(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, tail int) ([]string, error)
}

// Controller ties together every component the spec describes.
type Controller struct {
	store      *store.Store
	enc        *crypto.Encryptor
	chain      chain.Chain
	workspace  WorkspaceClient
	supervisor SupervisorClient
	locks      *branchLocks
	cfg        Config
}

// New wires a Controller over its dependencies.
func New(st *store.Store, enc *crypto.Encryptor, ch chain.Chain, ws WorkspaceClient, sup SupervisorClient, cfg Config) *Controller {
	return &Controller{
		store:      st,
		enc:        enc,
		chain:      ch,
		workspace:  ws,
		supervisor: sup,
		locks:      newBranchLocks(),
		cfg:        cfg,
	}
}

// BranchHashHex computes the hex-encoded branch_hash for a (repo_url,
// branch_name) pair, the identity used throughout the Store, Workspace,
// and Supervisor.
func BranchHashHex(repoURL, branchName string) string {
	hash := chain.BranchHash(repoURL, branchName)
	return hex.EncodeToString(hash[:])
}

// HandlePush runs the full push state machine for (repoURL, branchName),
// serialized per branch_hash. It is idempotent: any step that already
// holds its target state is a no-op.
func (c *Controller) HandlePush(ctx context.Context, repoURL, branchName string) error {
	branchHashHex := BranchHashHex(repoURL, branchName)

	return c.locks.withBranchLock(branchHashHex, func() error {
		return c.handlePushLocked(ctx, branchHashHex, repoURL, branchName)
	})
}

func (c *Controller) handlePushLocked(ctx context.Context, branchHashHex, repoURL, branchName string) error {
	ctx = WithCorrelationID(ctx)
	corrID := CorrelationID(ctx)

	var branchHash [32]byte
	rawHash, err := hex.DecodeString(branchHashHex)
	if err != nil || len(rawHash) != 32 {
		return fmt.Errorf("controller: invalid branch hash %q: %w", branchHashHex, err)
	}
	copy(branchHash[:], rawHash)

	// Step 1: resolve contract address. A transient or unavailable chain
	// error leaves no row behind — the next push or reconciliation pass
	// retries from a clean slate, per the chain-error-kind status policy.
	contractAddress, err := c.resolveContract(ctx, branchHash)
	if err != nil {
		if errs.MarksAgentError(err) {
			agentID, upsertErr := c.store.UpsertAgent(branchHashHex, repoURL, branchName, "", models.StatusError)
			if upsertErr == nil {
				log.Printf("controller[%s]: push %s@%s: contract resolution failed, marking error (agent=%d): %v", corrID, repoURL, branchName, agentID, err)
			}
		} else {
			log.Printf("controller[%s]: push %s@%s: contract resolution failed transiently, no agent row created: %v", corrID, repoURL, branchName, err)
		}
		return fmt.Errorf("controller: resolving contract: %w", err)
	}

	// Step 2: reconcile DB record.
	agentID, err := c.store.UpsertAgent(branchHashHex, repoURL, branchName, contractAddress, models.StatusDeploying)
	if err != nil {
		return fmt.Errorf("controller: upserting agent: %w", err)
	}

	// Step 3: materialize workspace.
	if err := c.materializeWorkspace(branchHashHex, repoURL, branchName); err != nil {
		_ = c.store.UpdateAgentStatus(agentID, models.StatusError, nil)
		return fmt.Errorf("controller: materializing workspace: %w", err)
	}

	// Step 4: build environment, migrating orphaned secrets first.
	env, err := c.buildEnvironment(ctx, branchHashHex, agentID, contractAddress, repoURL, branchName)
	if err != nil {
		_ = c.store.UpdateAgentStatus(agentID, models.StatusError, nil)
		return fmt.Errorf("controller: building environment: %w", err)
	}

	// Step 5: start/reload worker.
	info, err := c.startOrReloadWorker(ctx, branchHashHex, env)
	if err != nil {
		_ = c.store.UpdateAgentStatus(agentID, models.StatusError, nil)
		return fmt.Errorf("controller: starting worker: %w", err)
	}

	// Step 6: commit status.
	var pid *int
	if info != nil && info.PID != 0 {
		pid = &info.PID
	}
	if err := c.store.UpdateAgentStatus(agentID, models.StatusRunning, pid); err != nil {
		return fmt.Errorf("controller: committing status: %w", err)
	}
	return nil
}

// resolveContract implements step 1: lookup, else register, treating
// "already registered" as success via the Chain component's own
// idempotency contract.
func (c *Controller) resolveContract(ctx context.Context, branchHash [32]byte) (string, error) {
	address, err := c.chain.Lookup(ctx, branchHash)
	if err != nil {
		return "", err
	}
	if address != chain.ZeroAddress {
		return address.Hex(), nil
	}

	address, err = c.chain.Register(ctx, branchHash)
	if err != nil {
		return "", err
	}
	return address.Hex(), nil
}

func (c *Controller) materializeWorkspace(branchHashHex, repoURL, branchName string) error {
	dir := c.workspace.Dir(branchHashHex)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return c.workspace.Sync(branchHashHex, branchName)
	}
	return c.workspace.EnsureClone(branchHashHex, repoURL, branchName)
}

// buildEnvironment implements step 4: secrets are looked up by
// branch_hash, any found under an agent_id other than agentID are
// migrated to agentID, then all are decrypted. The lookup goes through
// the Agent row that currently carries branch_hash (the column is
// unique), so it only reaches secrets stored under that row's id;
// secrets left under a deleted Agent row are neither found nor migrated.
func (c *Controller) buildEnvironment(ctx context.Context, branchHashHex string, agentID uint, contractAddress, repoURL, branchName string) (Environment, error) {
	rows, err := c.store.ListSecretsByBranchHash(branchHashHex)
	if err != nil {
		return Environment{}, fmt.Errorf("listing secrets: %w", err)
	}

	orphaned := make(map[uint]bool)
	for _, row := range rows {
		if row.AgentID != agentID {
			orphaned[row.AgentID] = true
		}
	}
	for fromAgentID := range orphaned {
		if err := c.store.MigrateSecrets(fromAgentID, agentID); err != nil {
			return Environment{}, fmt.Errorf("migrating secrets from agent %d: %w", fromAgentID, err)
		}
	}
	if len(orphaned) > 0 {
		rows, err = c.store.ListSecretsByBranchHash(branchHashHex)
		if err != nil {
			return Environment{}, fmt.Errorf("re-listing secrets after migration: %w", err)
		}
	}

	secrets := make(map[string]string, len(rows))
	present := make([]string, 0, len(rows))
	for _, row := range rows {
		plaintext, err := c.enc.DecryptString(row.Ciphertext)
		if err != nil {
			return Environment{}, fmt.Errorf("decrypting secret %q: %w", row.Key, err)
		}
		secrets[row.Key] = plaintext
		present = append(present, row.Key)
	}
	log.Printf("controller[%s]: branch %s: %d secret(s) resolved: %s", CorrelationID(ctx), branchHashHex, len(present), strings.Join(present, ","))

	env := Environment{
		ContractAddress: contractAddress,
		RepoURL:         repoURL,
		BranchName:      branchName,
		BackendURL:      c.cfg.BackendURL,
		RPCURL:          c.cfg.RPCURL,
		Secrets:         secrets,
	}
	if err := env.Validate(); err != nil {
		return Environment{}, err
	}
	return env, nil
}

// startOrReloadWorker implements the supervisor start/reload policy: if a
// process with this name exists, delete then start so the latest
// environment always takes effect; fall back to reload if delete fails.
func (c *Controller) startOrReloadWorker(ctx context.Context, branchHashHex string, env Environment) (*supervisor.ProcessInfo, error) {
	name := supervisor.Name(branchHashHex)
	entrypointCmd, ok := c.entrypointCommand(branchHashHex)
	if !ok {
		return nil, errs.Workspace("controller.start_worker", fmt.Errorf("no recognized entrypoint under workspace %s", c.workspace.Dir(branchHashHex)))
	}

	spec := supervisor.Spec{
		Name:          name,
		WorkspaceDir:  c.workspace.Dir(branchHashHex),
		EntrypointCmd: entrypointCmd,
		Image:         c.cfg.WorkerImage,
		Env:           env.ToMap(),
	}

	if err := c.supervisor.Delete(ctx, name); err != nil {
		info, reloadErr := c.supervisor.Reload(ctx, name)
		if reloadErr != nil {
			return nil, errs.Supervisor("controller.start_worker", fmt.Errorf("delete failed (%v) and reload fallback failed: %w", err, reloadErr))
		}
		return info, nil
	}

	return c.supervisor.Start(ctx, spec)
}

// entrypointCommand maps the discovered entrypoint file to the interpreter
// invocation the worker container runs.
func (c *Controller) entrypointCommand(branchHashHex string) ([]string, bool) {
	path, ok := c.workspace.EntrypointPath(branchHashHex)
	if !ok {
		return nil, false
	}
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".py"):
		return []string{"python3", base}, true
	case strings.HasSuffix(base, ".ts"):
		return []string{"npx", "ts-node", base}, true
	case strings.HasSuffix(base, ".js"):
		return []string{"node", base}, true
	case strings.HasSuffix(base, ".sh"):
		return []string{"sh", base}, true
	default:
		return nil, false
	}
}

// RestartByBranchHash forces a clone/sync and start/reload for an
// already-known agent, serialized by its own branch lock. Used by the
// control-plane restart endpoints.
func (c *Controller) RestartByBranchHash(ctx context.Context, branchHashHex string) error {
	ctx = WithCorrelationID(ctx)
	agent, err := c.store.GetAgentByBranchHash(branchHashHex)
	if err != nil {
		return err
	}
	return c.locks.withBranchLock(branchHashHex, func() error {
		if err := c.materializeWorkspace(branchHashHex, agent.RepoURL, agent.BranchName); err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("controller: materializing workspace: %w", err)
		}

		env, err := c.buildEnvironment(ctx, branchHashHex, agent.ID, agent.ContractAddress, agent.RepoURL, agent.BranchName)
		if err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("controller: building environment: %w", err)
		}

		info, err := c.startOrReloadWorker(ctx, branchHashHex, env)
		if err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("controller: starting worker: %w", err)
		}

		var pid *int
		if info != nil && info.PID != 0 {
			pid = &info.PID
		}
		return c.store.UpdateAgentStatus(agent.ID, models.StatusRunning, pid)
	})
}

// RestartByID is RestartByBranchHash looked up by local surrogate id.
func (c *Controller) RestartByID(ctx context.Context, agentID uint) error {
	agent, err := c.store.GetAgentByID(agentID)
	if err != nil {
		return err
	}
	return c.RestartByBranchHash(ctx, agent.BranchHash)
}

// RestartAll forces a restart of every known agent, continuing past
// individual failures so one bad branch can't block the rest.
func (c *Controller) RestartAll(ctx context.Context) []error {
	agents, err := c.store.ListAgents("")
	if err != nil {
		return []error{fmt.Errorf("controller: listing agents: %w", err)}
	}
	var errsOut []error
	for _, agent := range agents {
		if err := c.RestartByBranchHash(ctx, agent.BranchHash); err != nil {
			errsOut = append(errsOut, fmt.Errorf("restarting %s: %w", agent.BranchHash, err))
		}
	}
	return errsOut
}

// ManualTrigger synthesizes a push for testing, identical to a real
// webhook-driven push.
func (c *Controller) ManualTrigger(ctx context.Context, repoURL, branchName string) error {
	return c.HandlePush(ctx, repoURL, branchName)
}

// Store exposes the underlying Store for read-only API handlers.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Encryptor exposes the underlying Crypto component for the secrets API.
func (c *Controller) Encryptor() *crypto.Encryptor {
	return c.enc
}

// TailWorkerLogs returns the supervised container's recent stdout/stderr
// lines for branchHashHex, the fallback log source layered under the
// Metric-table log synthesis. A missing or never-started container
// yields an empty slice, not an error.
func (c *Controller) TailWorkerLogs(ctx context.Context, branchHashHex string, tail int) ([]string, error) {
	name := supervisor.Name(branchHashHex)
	return c.supervisor.Logs(ctx, name, tail)
}

// EnsureAgentForMetric resolves the Agent row a metric should attach to,
// self-healing by creating it if the on-chain registry already has a
// contract for this branch but no DB row exists yet — the ingestion
// endpoint's self-heal rule.
func (c *Controller) EnsureAgentForMetric(ctx context.Context, repoURL, branchName string) (*models.Agent, error) {
	branchHashHex := BranchHashHex(repoURL, branchName)

	agent, err := c.store.GetAgentByBranchHash(branchHashHex)
	if err == nil {
		return agent, nil
	}
	if !errs.Is(err, errs.KindNotFound) {
		return nil, err
	}

	var branchHash [32]byte
	raw, decodeErr := hex.DecodeString(branchHashHex)
	if decodeErr != nil || len(raw) != 32 {
		return nil, fmt.Errorf("controller: invalid branch hash %q: %w", branchHashHex, decodeErr)
	}
	copy(branchHash[:], raw)

	address, lookupErr := c.chain.Lookup(ctx, branchHash)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if address == chain.ZeroAddress {
		return nil, errs.NotFound("controller.ensure_agent_for_metric", fmt.Errorf("no agent and no on-chain registration for %s@%s", repoURL, branchName))
	}

	agentID, err := c.store.UpsertAgent(branchHashHex, repoURL, branchName, address.Hex(), models.StatusDeploying)
	if err != nil {
		return nil, err
	}
	return c.store.GetAgentByID(agentID)
}

// reconcileBudget bounds how long ListAgentsReconciled spends refreshing
// liveness before returning whatever it already has, per the requirement
// that the reconciler never block an API response by more than ~2s.
const reconcileBudget = 2 * time.Second

// ListAgentsReconciled lists agents, refreshing each one's liveness
// status as a side effect (bounded by reconcileBudget), and returns the
// post-reconciliation rows.
func (c *Controller) ListAgentsReconciled(ctx context.Context, repoURL string) ([]models.Agent, error) {
	agents, err := c.store.ListAgents(repoURL)
	if err != nil {
		return nil, err
	}

	reconcileCtx, cancel := context.WithTimeout(ctx, reconcileBudget)
	defer cancel()

	for i := range agents {
		agents[i].Status = c.ReconcileLiveness(reconcileCtx, &agents[i])
		if reconcileCtx.Err() != nil {
			break
		}
	}
	return agents, nil
}

