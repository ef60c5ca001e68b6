package controller

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/opsline-dev/branchctl/internal/chain"
	"github.com/opsline-dev/branchctl/internal/models"
	"github.com/opsline-dev/branchctl/internal/supervisor"
)

// BootstrapTarget names a (repo, branch) pair the startup reconciler
// should attempt to recover, independent of whether a DB row survived.
type BootstrapTarget struct {
	RepoURL    string
	BranchName string
}

// livenessWindow is how far back HasRecentMetrics looks when deciding
// whether a supervised-but-unconfirmed worker still counts as running.
const livenessWindow = 5 * time.Minute

// StartupReconcile runs the recovery scan described in the controller's
// startup section: for each bootstrap target, resolve on-chain state,
// recreate any missing DB row, run the secret migration step (which, like
// buildEnvironment's, only sees secrets stored under the current Agent
// row's id), materialize the
// workspace, and start the worker if an entrypoint is present. This makes
// the controller tolerant of ephemeral storage — the on-chain registry
// plus the bootstrap list suffice to reconstruct everything else.
func (c *Controller) StartupReconcile(ctx context.Context, targets []BootstrapTarget) {
	ctx = WithCorrelationID(ctx)
	corrID := CorrelationID(ctx)
	for _, target := range targets {
		if err := c.reconcileOne(ctx, target); err != nil {
			log.Printf("controller[%s]: startup reconcile %s@%s failed: %v", corrID, target.RepoURL, target.BranchName, err)
		}
	}
}

func (c *Controller) reconcileOne(ctx context.Context, target BootstrapTarget) error {
	branchHashHex := BranchHashHex(target.RepoURL, target.BranchName)

	return c.locks.withBranchLock(branchHashHex, func() error {
		var branchHash [32]byte
		raw, decodeErr := hex.DecodeString(branchHashHex)
		if decodeErr != nil || len(raw) != 32 {
			return fmt.Errorf("invalid branch hash %q: %w", branchHashHex, decodeErr)
		}
		copy(branchHash[:], raw)

		address, err := c.chain.Lookup(ctx, branchHash)
		if err != nil {
			return fmt.Errorf("looking up registry: %w", err)
		}

		contractAddress := ""
		if address != chain.ZeroAddress {
			contractAddress = address.Hex()
		}

		agent, err := c.store.GetAgentByBranchHash(branchHashHex)
		agentMissing := err != nil
		if agentMissing {
			agentID, upsertErr := c.store.UpsertAgent(branchHashHex, target.RepoURL, target.BranchName, contractAddress, models.StatusDeploying)
			if upsertErr != nil {
				return fmt.Errorf("recreating agent row: %w", upsertErr)
			}
			agent = &models.Agent{ID: agentID, BranchHash: branchHashHex, RepoURL: target.RepoURL, BranchName: target.BranchName}
		}

		rows, err := c.store.ListSecretsByBranchHash(branchHashHex)
		if err != nil {
			return fmt.Errorf("listing secrets: %w", err)
		}
		for _, row := range rows {
			if row.AgentID != agent.ID {
				if err := c.store.MigrateSecrets(row.AgentID, agent.ID); err != nil {
					return fmt.Errorf("migrating orphan secrets: %w", err)
				}
			}
		}

		if err := c.materializeWorkspace(branchHashHex, target.RepoURL, target.BranchName); err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("materializing workspace: %w", err)
		}

		if !c.workspace.HasEntrypoint(branchHashHex) {
			// Leave status as deploying; the next push will start it once
			// an entrypoint lands.
			return nil
		}

		env, err := c.buildEnvironment(ctx, branchHashHex, agent.ID, contractAddress, target.RepoURL, target.BranchName)
		if err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("building environment: %w", err)
		}

		info, err := c.startOrReloadWorker(ctx, branchHashHex, env)
		if err != nil {
			_ = c.store.UpdateAgentStatus(agent.ID, models.StatusError, nil)
			return fmt.Errorf("starting worker: %w", err)
		}

		var pid *int
		if info != nil && info.PID != 0 {
			pid = &info.PID
		}
		return c.store.UpdateAgentStatus(agent.ID, models.StatusRunning, pid)
	})
}

// ReconcileLiveness refreshes a single agent's status from the two-signal
// table: supervisor-reported status crossed with recent metrics. It never
// regresses a worker that is still starting, and never blocks its caller
// more than the Supervisor's own bounded describe timeout.
func (c *Controller) ReconcileLiveness(ctx context.Context, agent *models.Agent) models.AgentStatus {
	ctx = WithCorrelationID(ctx)
	corrID := CorrelationID(ctx)
	name := supervisor.Name(agent.BranchHash)

	info, err := c.supervisor.Describe(ctx, name)
	if err != nil {
		log.Printf("controller[%s]: liveness describe failed for %s: %v", corrID, agent.BranchHash, err)
		return agent.Status
	}

	hasRecent, err := c.store.HasRecentMetrics(agent.ID, livenessWindow)
	if err != nil {
		log.Printf("controller[%s]: liveness metrics check failed for %s: %v", corrID, agent.BranchHash, err)
		return agent.Status
	}

	next := nextStatus(string(info.Status), hasRecent, agent.Status)
	if next != agent.Status {
		if err := c.store.UpdateAgentStatus(agent.ID, next, nil); err != nil {
			log.Printf("controller[%s]: committing liveness status for %s failed: %v", corrID, agent.BranchHash, err)
			return agent.Status
		}
	}
	return next
}

// nextStatus implements the authoritative liveness table. previous
// is the agent's previously committed status so a "missing,
// no metrics" worker that was never running doesn't flip to error.
func nextStatus(supStatus string, hasRecentMetrics bool, previous models.AgentStatus) models.AgentStatus {
	switch supStatus {
	case "online":
		return models.StatusRunning
	case "stopped", "errored":
		if hasRecentMetrics {
			return models.StatusRunning
		}
		return models.StatusError
	case "missing":
		if hasRecentMetrics {
			return models.StatusRunning
		}
		if previous == models.StatusRunning {
			return models.StatusError
		}
		return previous
	default:
		return previous
	}
}
