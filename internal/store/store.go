// Package store provides durable local persistence for agents, secrets,
// metrics, and OAuth grants, following the teacher repo's GORM-over-SQLite
// pattern (internal/database in the launchpad controller this module is
// adapted from): a thin struct wrapping *gorm.DB with one method per
// operation, AutoMigrate on open, and map[string]interface{} partial
// updates so zero-valued fields are never accidentally written.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opsline-dev/branchctl/internal/errs"
	"github.com/opsline-dev/branchctl/internal/models"
)

// Store is the durable persistence layer. It exclusively owns the agents,
// secrets, metrics, and oauth_grants tables.
type Store struct {
	db *gorm.DB
}

// Open connects to (creating if absent) a SQLite database at path and runs
// schema migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: creating database directory: %w", err)
			}
		}
	}

	gormLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Error,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("store: connecting to database: %w", err)
	}

	if path == ":memory:" {
		// Each new connection to ":memory:" opens its own empty database,
		// so the pool is held to one connection to keep a single database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: getting connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&models.Agent{},
		&models.Secret{},
		&models.Metric{},
		&models.OAuthGrant{},
	)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertAgent creates or updates the Agent row identified by branchHash.
// On a unique-constraint race (two concurrent pushes creating the same
// branch_hash) it re-selects and returns the winning row rather than
// propagating the constraint violation.
func (s *Store) UpsertAgent(branchHash, repoURL, branchName, contractAddress string, status models.AgentStatus) (uint, error) {
	var agent models.Agent
	err := s.db.Where("branch_hash = ?", branchHash).First(&agent).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		agent = models.Agent{
			BranchHash:      branchHash,
			RepoURL:         repoURL,
			BranchName:      branchName,
			ContractAddress: contractAddress,
			Status:          status,
		}
		if createErr := s.db.Create(&agent).Error; createErr != nil {
			var existing models.Agent
			if selErr := s.db.Where("branch_hash = ?", branchHash).First(&existing).Error; selErr == nil {
				return existing.ID, nil
			}
			return 0, fmt.Errorf("store: creating agent: %w", createErr)
		}
		return agent.ID, nil
	case err != nil:
		return 0, fmt.Errorf("store: looking up agent: %w", err)
	}

	updates := map[string]interface{}{"status": status}
	if contractAddress != "" {
		updates["contract_address"] = contractAddress
	}
	if repoURL != "" {
		updates["repo_url"] = repoURL
	}
	if branchName != "" {
		updates["branch_name"] = branchName
	}
	if err := s.db.Model(&agent).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("store: updating agent: %w", err)
	}
	return agent.ID, nil
}

// GetAgentByBranchHash returns the Agent row for branchHash, or an
// errs.NotFound error if none exists.
func (s *Store) GetAgentByBranchHash(branchHash string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.Where("branch_hash = ?", branchHash).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("store.get_agent_by_branch_hash", err)
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting agent: %w", err)
	}
	return &agent, nil
}

// GetAgentByID returns the Agent row for id, or an errs.NotFound error.
func (s *Store) GetAgentByID(id uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("store.get_agent_by_id", err)
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting agent: %w", err)
	}
	return &agent, nil
}

// ListAgents returns all agents, optionally filtered by repo URL.
func (s *Store) ListAgents(repoURL string) ([]models.Agent, error) {
	query := s.db.Model(&models.Agent{})
	if repoURL != "" {
		query = query.Where("repo_url = ?", repoURL)
	}
	var agents []models.Agent
	if err := query.Order("id").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: listing agents: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus updates status and, if pid is non-nil, worker_pid.
func (s *Store) UpdateAgentStatus(agentID uint, status models.AgentStatus, pid *int) error {
	updates := map[string]interface{}{"status": status}
	if pid != nil {
		updates["worker_pid"] = *pid
	}
	if err := s.db.Model(&models.Agent{}).Where("id = ?", agentID).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: updating agent status: %w", err)
	}
	return nil
}

// PutSecret upserts a secret value keyed on (agent_id, key). Idempotent:
// calling it twice for the same key retains only the last ciphertext.
func (s *Store) PutSecret(agentID uint, key, ciphertext string) error {
	var secret models.Secret
	err := s.db.Where("agent_id = ? AND key = ?", agentID, key).First(&secret).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		secret = models.Secret{AgentID: agentID, Key: key, Ciphertext: ciphertext}
		if err := s.db.Create(&secret).Error; err != nil {
			return fmt.Errorf("store: creating secret: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: looking up secret: %w", err)
	}
	if err := s.db.Model(&secret).Update("ciphertext", ciphertext).Error; err != nil {
		return fmt.Errorf("store: updating secret: %w", err)
	}
	return nil
}

// SecretRow is one row returned by ListSecretsByBranchHash: the secret's
// key, ciphertext, and the agent_id it is stored under.
type SecretRow struct {
	AgentID    uint
	Key        string
	Ciphertext string
}

// ListSecretsByBranchHash joins secrets with agents on branch_hash.
// agents.branch_hash is unique, so the result is the secrets stored under
// the one Agent row that currently carries branchHash. Secret rows whose
// agent_id matches no Agent row (for example after that row was deleted
// and recreated under a new id) are not returned.
func (s *Store) ListSecretsByBranchHash(branchHash string) ([]SecretRow, error) {
	var rows []SecretRow
	err := s.db.Table("secrets").
		Select("secrets.agent_id AS agent_id, secrets.key AS key, secrets.ciphertext AS ciphertext").
		Joins("JOIN agents ON agents.id = secrets.agent_id").
		Where("agents.branch_hash = ?", branchHash).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing secrets by branch hash: %w", err)
	}
	return rows, nil
}

// MigrateSecrets idempotently copies every secret row owned by fromAgentID
// to toAgentID, upserting on (agent_id, key) so re-running after a partial
// failure never duplicates a key.
func (s *Store) MigrateSecrets(fromAgentID, toAgentID uint) error {
	if fromAgentID == toAgentID {
		return nil
	}
	var secrets []models.Secret
	if err := s.db.Where("agent_id = ?", fromAgentID).Find(&secrets).Error; err != nil {
		return fmt.Errorf("store: loading secrets to migrate: %w", err)
	}
	for _, secret := range secrets {
		if err := s.PutSecret(toAgentID, secret.Key, secret.Ciphertext); err != nil {
			return fmt.Errorf("store: migrating secret %q: %w", secret.Key, err)
		}
	}
	return nil
}

// InsertMetric appends a worker observation.
func (s *Store) InsertMetric(metric *models.Metric) error {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	if err := s.db.Create(metric).Error; err != nil {
		return fmt.Errorf("store: inserting metric: %w", err)
	}
	return nil
}

// AggregateMetrics computes summary counts for an agent.
func (s *Store) AggregateMetrics(agentID uint) (*models.MetricStats, error) {
	stats := &models.MetricStats{}
	if err := s.db.Model(&models.Metric{}).Where("agent_id = ?", agentID).Count(&stats.TotalCycles).Error; err != nil {
		return nil, fmt.Errorf("store: counting metrics: %w", err)
	}
	if err := s.db.Model(&models.Metric{}).Where("agent_id = ? AND trade_executed = ?", agentID, true).Count(&stats.TradesCount).Error; err != nil {
		return nil, fmt.Errorf("store: counting trades: %w", err)
	}

	var last models.Metric
	err := s.db.Where("agent_id = ?", agentID).Order("timestamp DESC").First(&last).Error
	if err == nil {
		stats.LastDecision = last.Decision
		stats.LastPrice = last.Price
		stats.LastTimestamp = &last.Timestamp
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: loading last metric: %w", err)
	}

	return stats, nil
}

// RecentMetrics returns the most recent metrics for an agent, newest first.
func (s *Store) RecentMetrics(agentID uint, limit int) ([]models.Metric, error) {
	query := s.db.Where("agent_id = ?", agentID).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var metrics []models.Metric
	if err := query.Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("store: listing recent metrics: %w", err)
	}
	return metrics, nil
}

// TradeMetrics returns metrics with trade_executed = true, newest first.
func (s *Store) TradeMetrics(agentID uint, limit int) ([]models.Metric, error) {
	query := s.db.Where("agent_id = ? AND trade_executed = ?", agentID, true).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var metrics []models.Metric
	if err := query.Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("store: listing trade metrics: %w", err)
	}
	return metrics, nil
}

// HasRecentMetrics reports whether at least one metric has been recorded
// for agentID within window of now.
func (s *Store) HasRecentMetrics(agentID uint, window time.Duration) (bool, error) {
	var count int64
	cutoff := time.Now().UTC().Add(-window)
	err := s.db.Model(&models.Metric{}).
		Where("agent_id = ? AND timestamp >= ?", agentID, cutoff).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: checking recent metrics: %w", err)
	}
	return count > 0, nil
}

// PutOAuthGrant upserts an OAuth grant keyed on user_id.
func (s *Store) PutOAuthGrant(grant *models.OAuthGrant) error {
	var existing models.OAuthGrant
	err := s.db.Where("user_id = ?", grant.UserID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.Create(grant).Error; err != nil {
			return fmt.Errorf("store: creating oauth grant: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: looking up oauth grant: %w", err)
	}
	updates := map[string]interface{}{
		"access_token_ciphertext": grant.AccessTokenCiphertext,
		"repo_url":                grant.RepoURL,
		"webhook_configured":      grant.WebhookConfigured,
	}
	if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: updating oauth grant: %w", err)
	}
	return nil
}

// GetOAuthGrantByUser returns the OAuth grant for userID, or errs.NotFound.
func (s *Store) GetOAuthGrantByUser(userID string) (*models.OAuthGrant, error) {
	var grant models.OAuthGrant
	err := s.db.Where("user_id = ?", userID).First(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("store.get_oauth_grant_by_user", err)
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting oauth grant: %w", err)
	}
	return &grant, nil
}
