package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/opsline-dev/branchctl/internal/controller"
	"github.com/opsline-dev/branchctl/internal/crypto"
	"github.com/opsline-dev/branchctl/internal/store"
	"github.com/opsline-dev/branchctl/internal/supervisor"
)

// slowChain resolves after a deliberate delay, standing in for an RPC call
// that takes longer than an HTTP client should ever have to wait on a
// webhook response.
type slowChain struct {
	delay time.Duration
}

func (s slowChain) Lookup(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	time.Sleep(s.delay)
	return common.Address{}, nil
}

func (s slowChain) Register(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	time.Sleep(s.delay)
	var addr common.Address
	addr[19] = 7
	return addr, nil
}

type noopWorkspace struct {
	dir string
}

func (w noopWorkspace) Dir(branchHashHex string) string { return w.dir }

func (w noopWorkspace) EnsureClone(branchHashHex, repoURL, branchName string) error { return nil }

func (w noopWorkspace) Sync(branchHashHex, branchName string) error { return nil }

func (w noopWorkspace) HasEntrypoint(branchHashHex string) bool { return true }
func (w noopWorkspace) EntrypointPath(branchHashHex string) (string, bool) {
	return w.dir + "/agent.py", true
}

type noopSupervisor struct {
	mu      sync.Mutex
	started map[string]bool
}

func newNoopSupervisor() *noopSupervisor { return &noopSupervisor{started: make(map[string]bool)} }

func (s *noopSupervisor) Describe(ctx context.Context, name string) (*supervisor.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started[name] {
		return &supervisor.ProcessInfo{Name: name, Status: supervisor.StatusOnline, PID: 99}, nil
	}
	return &supervisor.ProcessInfo{Name: name, Status: supervisor.StatusMissing}, nil
}

func (s *noopSupervisor) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[spec.Name] = true
	return &supervisor.ProcessInfo{Name: spec.Name, Status: supervisor.StatusOnline, PID: 99}, nil
}

func (s *noopSupervisor) Reload(ctx context.Context, name string) (*supervisor.ProcessInfo, error) {
	return s.Describe(ctx, name)
}

func (s *noopSupervisor) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.started, name)
	return nil
}

func (s *noopSupervisor) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	return nil, nil
}

func (s *noopSupervisor) isStarted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[name]
}

// TestHandleWebhookPushRespondsBeforeProcessingCompletes is a regression
// test for the push handler's async contract: the HTTP response must not
// wait on the chain lookup, workspace materialization, or worker start it
// triggers.
func TestHandleWebhookPushRespondsBeforeProcessingCompletes(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	enc, err := crypto.New("test-master-key")
	require.NoError(t, err)

	processingDelay := 300 * time.Millisecond
	sup := newNoopSupervisor()
	ctl := controller.New(st, enc, slowChain{delay: processingDelay}, noopWorkspace{dir: "/workspaces/x"}, sup, controller.Config{
		BackendURL: "https://backend.example.com",
		RPCURL:     "https://rpc.example.com",
	})

	srv := New(ctl, nil)

	body, err := json.Marshal(fiber.Map{
		"ref": "refs/heads/main",
		"repository": fiber.Map{
			"clone_url": "https://example.com/repo.git",
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/webhook/git/push", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := srv.app.Test(req, -1)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	require.Less(t, elapsed, processingDelay, "webhook response must not block on push processing")

	branchHash := controller.BranchHashHex("https://example.com/repo.git", "main")
	require.Eventually(t, func() bool {
		agent, err := st.GetAgentByBranchHash(branchHash)
		return err == nil && agent.Status == "running"
	}, 2*time.Second, 10*time.Millisecond, "push should complete asynchronously after the response is sent")

	name := supervisor.Name(branchHash)
	require.True(t, sup.isStarted(name))
}
