package api

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/opsline-dev/branchctl/internal/models"
)

type ingestMetricRequest struct {
	RepoURL       string   `json:"repo_url" validate:"required"`
	BranchName    string   `json:"branch_name" validate:"required"`
	Decision      string   `json:"decision" validate:"required"`
	Price         *float64 `json:"price,omitempty"`
	TradeExecuted bool     `json:"trade_executed,omitempty"`
	TradeTxHash   *string  `json:"trade_tx_hash,omitempty"`
	TradeAmount   *float64 `json:"trade_amount,omitempty"`
}

// handleIngestMetric handles POST /api/metrics. If the Agent row is
// missing but the contract exists on-chain, it self-heals by creating
// the row rather than rejecting the metric.
func (s *Server) handleIngestMetric(c *fiber.Ctx) error {
	var req ingestMetricRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if err := s.validate.Struct(req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	agent, err := s.ctl.EnsureAgentForMetric(c.Context(), req.RepoURL, req.BranchName)
	if err != nil {
		return statusFromErr(c, err)
	}

	metric := &models.Metric{
		AgentID:       agent.ID,
		Decision:      req.Decision,
		Price:         req.Price,
		TradeExecuted: req.TradeExecuted,
		TradeTxHash:   req.TradeTxHash,
		TradeAmount:   req.TradeAmount,
	}
	if err := s.ctl.Store().InsertMetric(metric); err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.Status(fiber.StatusOK).JSON(metric)
}

// handleRecentMetrics handles GET /api/metrics/{branch_hash}.
func (s *Server) handleRecentMetrics(c *fiber.Ctx) error {
	if c.Params("branch_hash") == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}
	agent, err := s.agentByBranchHashParam(c)
	if err != nil {
		return statusFromErr(c, err)
	}

	metrics, err := s.ctl.Store().RecentMetrics(agent.ID, 100)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(metrics)
}

// handleStats handles GET /api/stats/{branch_hash}.
func (s *Server) handleStats(c *fiber.Ctx) error {
	if c.Params("branch_hash") == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}
	agent, err := s.agentByBranchHashParam(c)
	if err != nil {
		return statusFromErr(c, err)
	}

	stats, err := s.ctl.Store().AggregateMetrics(agent.ID)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(stats)
}

// handleTrades handles GET /api/trades/{branch_hash}.
func (s *Server) handleTrades(c *fiber.Ctx) error {
	if c.Params("branch_hash") == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}
	agent, err := s.agentByBranchHashParam(c)
	if err != nil {
		return statusFromErr(c, err)
	}

	trades, err := s.ctl.Store().TradeMetrics(agent.ID, 100)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(trades)
}

// handleLogs handles GET /api/logs/{branch_hash}. The Metric table is the
// ground truth for the synthetic log stream; container stdout/stderr from
// the Supervisor is layered underneath as a best-effort fallback for
// branches that haven't reported a metric cycle yet.
func (s *Server) handleLogs(c *fiber.Ctx) error {
	branchHash := c.Params("branch_hash")
	if branchHash == "" {
		return errJSON(c, fiber.StatusBadRequest, validationError("branch_hash"))
	}
	agent, err := s.agentByBranchHashParam(c)
	if err != nil {
		return statusFromErr(c, err)
	}

	metrics, err := s.ctl.Store().RecentMetrics(agent.ID, 200)
	if err != nil {
		return errJSON(c, fiber.StatusInternalServerError, err)
	}

	lines := make([]string, 0, len(metrics))
	for _, m := range metrics {
		line := fmt.Sprintf("[%s] decision=%s", m.Timestamp.Format("2006-01-02T15:04:05Z07:00"), m.Decision)
		if m.Price != nil {
			line += fmt.Sprintf(" price=%.4f", *m.Price)
		}
		if m.TradeExecuted {
			line += " trade_executed=true"
			if m.TradeTxHash != nil {
				line += " tx=" + *m.TradeTxHash
			}
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		containerLines, err := s.ctl.TailWorkerLogs(c.Context(), branchHash, 200)
		if err != nil {
			log.Printf("api: logs %s: container log fallback failed: %v", branchHash, err)
		} else {
			lines = containerLines
		}
	}

	return c.JSON(fiber.Map{"lines": lines})
}

func (s *Server) agentByBranchHashParam(c *fiber.Ctx) (*models.Agent, error) {
	branchHash := c.Params("branch_hash")
	if branchHash == "" {
		return nil, fmt.Errorf("branch_hash is required")
	}
	return s.ctl.Store().GetAgentByBranchHash(branchHash)
}
