// Package models defines the GORM-mapped rows persisted by the Store
// component: agents, their secrets, worker metrics, and OAuth grants.
package models

import "time"

// AgentStatus is the lifecycle state of a tracked (repository, branch) pair.
type AgentStatus string

const (
	StatusDeploying AgentStatus = "deploying"
	StatusRunning   AgentStatus = "running"
	StatusError     AgentStatus = "error"
	StatusStopped   AgentStatus = "stopped"
)

// Agent is one record per tracked (repo_url, branch_name) pair. BranchHash
// is the authoritative cross-restart identity; ID is a local surrogate key
// that may change across redeploys when the row is recreated after DB loss.
type Agent struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	BranchHash      string      `gorm:"uniqueIndex;size:66;not null" json:"branch_hash"`
	RepoURL         string      `gorm:"not null;index:idx_agents_repo" json:"repo_url"`
	BranchName      string      `gorm:"not null" json:"branch_name"`
	ContractAddress string      `json:"contract_address"`
	Status          AgentStatus `gorm:"not null;default:deploying" json:"status"`
	WorkerPID       *int        `gorm:"column:worker_pid" json:"worker_pid,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Secret is an encrypted key/value scoped to an Agent. Ciphertext is an
// opaque, self-describing blob produced by the Crypto component; the
// plaintext never reaches this struct.
type Secret struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	AgentID    uint      `gorm:"not null;uniqueIndex:idx_secrets_agent_key" json:"agent_id"`
	Key        string    `gorm:"not null;uniqueIndex:idx_secrets_agent_key" json:"key"`
	Ciphertext string    `gorm:"not null" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Metric is an append-only observation reported by a worker process.
type Metric struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AgentID       uint      `gorm:"not null;index" json:"agent_id"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`
	Decision      string    `gorm:"not null" json:"decision"`
	Price         *float64  `json:"price,omitempty"`
	TradeExecuted bool      `gorm:"not null;default:false" json:"trade_executed"`
	TradeTxHash   *string   `json:"trade_tx_hash,omitempty"`
	TradeAmount   *float64  `json:"trade_amount,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// OAuthGrant is a persisted authorization to the git hosting provider.
// AccessTokenCiphertext is produced by the Crypto component the same way
// Secret.Ciphertext is; the plaintext token is never stored.
type OAuthGrant struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UserID                string    `gorm:"not null;uniqueIndex" json:"user_id"`
	AccessTokenCiphertext string    `gorm:"not null" json:"-"`
	RepoURL               string    `gorm:"not null" json:"repo_url"`
	WebhookConfigured     bool      `gorm:"not null;default:false" json:"webhook_configured"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// MetricStats is the aggregated view returned by the stats endpoint.
type MetricStats struct {
	TotalCycles   int64      `json:"total_cycles"`
	TradesCount   int64      `json:"trades_count"`
	LastDecision  string     `json:"last_decision,omitempty"`
	LastPrice     *float64   `json:"last_price,omitempty"`
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
}
