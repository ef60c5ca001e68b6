package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/opsline-dev/branchctl/internal/models"
	"github.com/opsline-dev/branchctl/internal/store"
)

type StoreTestSuite struct {
	suite.Suite
	store *store.Store
}

func (s *StoreTestSuite) SetupTest() {
	st, err := store.Open(":memory:")
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreTestSuite) TestUpsertAgentCreatesThenUpdates() {
	id, err := s.store.UpsertAgent("0xhash1", "https://example.com/repo.git", "main", "", models.StatusDeploying)
	s.Require().NoError(err)
	s.NotZero(id)

	id2, err := s.store.UpsertAgent("0xhash1", "https://example.com/repo.git", "main", "0xcontract", models.StatusRunning)
	s.Require().NoError(err)
	s.Equal(id, id2)

	agent, err := s.store.GetAgentByBranchHash("0xhash1")
	s.Require().NoError(err)
	s.Equal("0xcontract", agent.ContractAddress)
	s.Equal(models.StatusRunning, agent.Status)
}

func (s *StoreTestSuite) TestGetAgentByBranchHashNotFound() {
	_, err := s.store.GetAgentByBranchHash("0xmissing")
	s.Error(err)
}

func (s *StoreTestSuite) TestPutSecretIsIdempotentUpsert() {
	id, err := s.store.UpsertAgent("0xhash2", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)

	s.Require().NoError(s.store.PutSecret(id, "API_KEY", "cipher-v1"))
	s.Require().NoError(s.store.PutSecret(id, "API_KEY", "cipher-v2"))

	rows, err := s.store.ListSecretsByBranchHash("0xhash2")
	s.Require().NoError(err)
	s.Len(rows, 1)
	s.Equal("cipher-v2", rows[0].Ciphertext)
}

func (s *StoreTestSuite) TestListSecretsByBranchHashJoinsAcrossAgentIDs() {
	oldID, err := s.store.UpsertAgent("0xhash3", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)
	s.Require().NoError(s.store.PutSecret(oldID, "K", "ciphertext"))

	// A second agent row, for another branch_hash, gets a different id;
	// the lookup by "0xhash3" returns only the secret stored under oldID.
	newID, err := s.store.UpsertAgent("0xhash3-new-row", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)
	s.NotEqual(oldID, newID)

	rows, err := s.store.ListSecretsByBranchHash("0xhash3")
	s.Require().NoError(err)
	s.Len(rows, 1)
	s.Equal(oldID, rows[0].AgentID)
}

func (s *StoreTestSuite) TestMigrateSecretsIsIdempotent() {
	fromID, err := s.store.UpsertAgent("0xhash4", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)
	s.Require().NoError(s.store.PutSecret(fromID, "K1", "c1"))
	s.Require().NoError(s.store.PutSecret(fromID, "K2", "c2"))

	toID, err := s.store.UpsertAgent("0xhash4-2", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)

	s.Require().NoError(s.store.MigrateSecrets(fromID, toID))
	s.Require().NoError(s.store.MigrateSecrets(fromID, toID)) // idempotent

	rows, err := s.store.ListSecretsByBranchHash("0xhash4-2")
	s.Require().NoError(err)
	s.Len(rows, 2)
}

func (s *StoreTestSuite) TestHasRecentMetrics() {
	id, err := s.store.UpsertAgent("0xhash5", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)

	has, err := s.store.HasRecentMetrics(id, 5*time.Minute)
	s.Require().NoError(err)
	s.False(has)

	s.Require().NoError(s.store.InsertMetric(&models.Metric{AgentID: id, Decision: "hold"}))

	has, err = s.store.HasRecentMetrics(id, 5*time.Minute)
	s.Require().NoError(err)
	s.True(has)
}

func (s *StoreTestSuite) TestAggregateMetrics() {
	id, err := s.store.UpsertAgent("0xhash6", "repo", "main", "", models.StatusDeploying)
	s.Require().NoError(err)

	price := 42.5
	s.Require().NoError(s.store.InsertMetric(&models.Metric{AgentID: id, Decision: "buy", Price: &price, TradeExecuted: true}))
	s.Require().NoError(s.store.InsertMetric(&models.Metric{AgentID: id, Decision: "hold"}))

	stats, err := s.store.AggregateMetrics(id)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.TotalCycles)
	s.Equal(int64(1), stats.TradesCount)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
