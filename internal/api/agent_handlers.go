package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/opsline-dev/branchctl/internal/errs"
)

// handleListAgents handles GET /api/agents (optional ?repo_url=), running
// the liveness reconciler as a side effect of the listing.
func (s *Server) handleListAgents(c *fiber.Ctx) error {
	repoURL := c.Query("repo_url")
	agents, err := s.ctl.ListAgentsReconciled(c.Context(), repoURL)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(agents)
}

// handleGetAgent handles GET /api/agents/{id}.
func (s *Server) handleGetAgent(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return errJSON(c, fiber.StatusBadRequest, validationError("id"))
	}

	agent, err := s.ctl.Store().GetAgentByID(uint(id))
	if err != nil {
		return statusFromErr(c, err)
	}
	return c.JSON(agent)
}

// handleRestartByID handles POST /api/agents/{id}/restart.
func (s *Server) handleRestartByID(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return errJSON(c, fiber.StatusBadRequest, validationError("id"))
	}

	if err := s.ctl.RestartByID(c.Context(), uint(id)); err != nil {
		return statusFromErr(c, err)
	}
	return msgJSON(c, fiber.StatusOK, "restart triggered")
}

// handleRestartByBranchHash handles POST /api/agents/branch/{branch_hash}/restart.
func (s *Server) handleRestartByBranchHash(c *fiber.Ctx) error {
	branchHash := c.Params("branch_hash")
	if branchHash == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}

	if err := s.ctl.RestartByBranchHash(c.Context(), branchHash); err != nil {
		return statusFromErr(c, err)
	}
	return msgJSON(c, fiber.StatusOK, "restart triggered")
}

// handleRestartAll handles POST /api/agents/restart-all.
func (s *Server) handleRestartAll(c *fiber.Ctx) error {
	failures := s.ctl.RestartAll(c.Context())
	if len(failures) > 0 {
		messages := make([]string, 0, len(failures))
		for _, f := range failures {
			messages = append(messages, f.Error())
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"errors": messages})
	}
	return msgJSON(c, fiber.StatusOK, "all agents restarted")
}

type manualTriggerRequest struct {
	RepoURL    string `json:"repo_url" validate:"required"`
	BranchName string `json:"branch_name" validate:"required"`
}

// handleManualTrigger handles POST /api/agents/manual-trigger.
func (s *Server) handleManualTrigger(c *fiber.Ctx) error {
	var req manualTriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	if err := s.ctl.ManualTrigger(c.Context(), req.RepoURL, req.BranchName); err != nil {
		return statusFromErr(c, err)
	}
	return msgJSON(c, fiber.StatusOK, "push synthesized")
}

// handleCheckRecovery handles POST/GET /api/agents/check-recovery.
func (s *Server) handleCheckRecovery(c *fiber.Ctx) error {
	s.ctl.StartupReconcile(c.Context(), s.bootstrap)
	return msgJSON(c, fiber.StatusOK, "recovery scan complete")
}

func statusFromErr(c *fiber.Ctx, err error) error {
	switch {
	case errs.Is(err, errs.KindNotFound):
		return errJSON(c, fiber.StatusNotFound, err)
	case errs.Is(err, errs.KindValidation):
		return errJSON(c, fiber.StatusBadRequest, err)
	case errs.Is(err, errs.KindChainUnavailable), errs.Is(err, errs.KindChainTransient):
		return errJSON(c, fiber.StatusServiceUnavailable, err)
	default:
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
}
