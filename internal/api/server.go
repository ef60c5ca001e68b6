// Package api exposes the Controller over HTTP: webhook ingress and the
// control-plane surface from the external interfaces design, using the
// same fiber stack and JSON-response conventions as the teacher repo's
// API layer.
package api

import (
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/opsline-dev/branchctl/internal/chain"
	"github.com/opsline-dev/branchctl/internal/controller"
)

// Server is the controller's HTTP surface.
type Server struct {
	app       *fiber.App
	ctl       *controller.Controller
	validate  *validator.Validate
	startedAt time.Time
	port      int
	bootstrap []controller.BootstrapTarget
}

// New builds a Server wired to ctl, with bootstrap as the target list
// startup/check-recovery reconciliation scans. Routes are registered
// immediately.
func New(ctl *controller.Controller, bootstrap []controller.BootstrapTarget) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	s := &Server{
		app:       app,
		ctl:       ctl,
		validate:  validator.New(),
		startedAt: time.Now(),
		bootstrap: bootstrap,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	s.app.Post("/webhook/git/push", s.handleWebhookPush)
	s.app.Post("/webhook/git", s.handleWebhookGeneric)

	s.app.Get("/api/agents", s.handleListAgents)
	s.app.Get("/api/agents/:id", s.handleGetAgent)
	s.app.Post("/api/agents/:id/restart", s.handleRestartByID)
	s.app.Post("/api/agents/branch/:branch_hash/restart", s.handleRestartByBranchHash)
	s.app.Post("/api/agents/restart-all", s.handleRestartAll)
	s.app.Post("/api/agents/manual-trigger", s.handleManualTrigger)
	s.app.Post("/api/agents/check-recovery", s.handleCheckRecovery)
	s.app.Get("/api/agents/check-recovery", s.handleCheckRecovery)

	s.app.Post("/api/secrets", s.handlePutSecret)
	s.app.Get("/api/secrets/check/:branch_hash", s.handleCheckSecrets)

	s.app.Post("/api/metrics", s.handleIngestMetric)
	s.app.Get("/api/metrics/:branch_hash", s.handleRecentMetrics)
	s.app.Get("/api/stats/:branch_hash", s.handleStats)
	s.app.Get("/api/trades/:branch_hash", s.handleTrades)
	s.app.Get("/api/logs/:branch_hash", s.handleLogs)

	s.app.Get("/api/contracts/registry", s.handleRegistryArtifact)

	s.app.Post("/api/oauth/grants", s.handlePutOAuthGrant)
	s.app.Get("/api/oauth/grants/:user_id", s.handleGetOAuthGrant)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleRegistryArtifact(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name": "Registry",
		"abi":  chain.RegistryABIJSON(),
	})
}

// Listen starts the HTTP server on addr, blocking until it's shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func errJSON(c *fiber.Ctx, status int, err error) error {
	log.Printf("api: %s %s -> %d: %v", c.Method(), c.Path(), status, err)
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func msgJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"message": message})
}

func validationError(field string) error {
	return fmt.Errorf("%s is required", field)
}
