package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/opsline-dev/branchctl/internal/models"
)

type putOAuthGrantRequest struct {
	UserID            string `json:"user_id" validate:"required"`
	AccessToken       string `json:"access_token" validate:"required"`
	RepoURL           string `json:"repo_url" validate:"required"`
	WebhookConfigured bool   `json:"webhook_configured"`
}

// handlePutOAuthGrant handles POST /api/oauth/grants. The access token a
// user grants to authorize webhook registration on their behalf is
// encrypted at rest the same way branch secrets are; the plaintext token
// never survives the request.
func (s *Server) handlePutOAuthGrant(c *fiber.Ctx) error {
	var req putOAuthGrantRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	ciphertext, err := s.ctl.Encryptor().EncryptString(req.AccessToken)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}

	grant := &models.OAuthGrant{
		UserID:                req.UserID,
		AccessTokenCiphertext: ciphertext,
		RepoURL:               req.RepoURL,
		WebhookConfigured:     req.WebhookConfigured,
	}
	if err := s.ctl.Store().PutOAuthGrant(grant); err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return msgJSON(c, fiber.StatusOK, "oauth grant saved")
}

// handleGetOAuthGrant handles GET /api/oauth/grants/{user_id}. The stored
// ciphertext is never returned; models.OAuthGrant already tags that field
// json:"-".
func (s *Server) handleGetOAuthGrant(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if userID == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("user_id"))
	}
	grant, err := s.ctl.Store().GetOAuthGrantByUser(userID)
	if err != nil {
		return statusFromErr(c, err)
	}
	return c.JSON(grant)
}
