package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/opsline-dev/branchctl/internal/controller"
)

type putSecretRequest struct {
	RepoURL    string `json:"repo_url" validate:"required"`
	BranchName string `json:"branch_name" validate:"required"`
	Key        string `json:"key" validate:"required"`
	Value      string `json:"value" validate:"required"`
}

// handlePutSecret handles POST /api/secrets. Requires the Agent to
// already exist for (repo_url, branch_name).
func (s *Server) handlePutSecret(c *fiber.Ctx) error {
	var req putSecretRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	branchHash := controller.BranchHashHex(req.RepoURL, req.BranchName)
	agent, err := s.ctl.Store().GetAgentByBranchHash(branchHash)
	if err != nil {
		return statusFromErr(c, err)
	}

	ciphertext, err := s.ctl.Encryptor().EncryptString(req.Value)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}

	if err := s.ctl.Store().PutSecret(agent.ID, req.Key, ciphertext); err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return msgJSON(c, fiber.StatusOK, "secret stored")
}

// handleCheckSecrets handles GET /api/secrets/check/{branch_hash}.
// Reports which keys are set without ever returning plaintext or
// ciphertext.
func (s *Server) handleCheckSecrets(c *fiber.Ctx) error {
	branchHash := c.Params("branch_hash")
	if branchHash == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}

	rows, err := s.ctl.Store().ListSecretsByBranchHash(branchHash)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}

	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Key)
	}
	return c.JSON(fiber.Map{"keys_set": keys})
}
