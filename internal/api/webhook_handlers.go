package api

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/opsline-dev/branchctl/internal/controller"
)

// webhookResponseTimeout bounds the background HandlePush call started
// for each push webhook. The webhook response itself does not wait on it:
// it is sent as soon as the payload validates.
const webhookResponseTimeout = 25 * time.Second

type pushWebhookPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

func branchFromRef(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}

// handleWebhookPush handles POST /webhook/git/push. It responds
// immediately after validating the payload and processes the push in a
// detached goroutine; webhookResponseTimeout only bounds that goroutine's
// own HandlePush call, as a safety net against a hung handler, and never
// gates the HTTP response.
func (s *Server) handleWebhookPush(c *fiber.Ctx) error {
	var payload pushWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	repoURL := payload.Repository.CloneURL
	branchName := branchFromRef(payload.Ref)
	if repoURL == "" || payload.Ref == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("repository.clone_url and ref"))
	}

	ctx := controller.WithCorrelationID(context.Background())
	corrID := controller.CorrelationID(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("api[%s]: push %s@%s panicked: %v", corrID, repoURL, branchName, r)
			}
		}()
		pushCtx, cancel := context.WithTimeout(ctx, webhookResponseTimeout)
		defer cancel()
		if err := s.ctl.HandlePush(pushCtx, repoURL, branchName); err != nil {
			log.Printf("api[%s]: push %s@%s failed: %v", corrID, repoURL, branchName, err)
		}
	}()

	return msgJSON(c, fiber.StatusOK, "push accepted")
}

// handleWebhookGeneric handles POST /webhook/git, routing by the event
// type header. Non-push events and ping events are acknowledged with 200
// without further processing.
func (s *Server) handleWebhookGeneric(c *fiber.Ctx) error {
	event := c.Get("X-GitHub-Event")
	if event == "" {
		event = c.Get("X-Event-Type")
	}

	switch strings.ToLower(event) {
	case "push":
		return s.handleWebhookPush(c)
	case "ping":
		return c.JSON(fiber.Map{"message": "pong"})
	default:
		return msgJSON(c, fiber.StatusOK, "event ignored")
	}
}
