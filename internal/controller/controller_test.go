package controller_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/opsline-dev/branchctl/internal/controller"
	"github.com/opsline-dev/branchctl/internal/crypto"
	"github.com/opsline-dev/branchctl/internal/errs"
	"github.com/opsline-dev/branchctl/internal/models"
	"github.com/opsline-dev/branchctl/internal/store"
	"github.com/opsline-dev/branchctl/internal/supervisor"
)

// fakeChain is an in-memory Chain substitute: Register assigns a
// deterministic address and Lookup echoes whatever was registered.
type fakeChain struct {
	mu        sync.Mutex
	addresses map[[32]byte]common.Address
	nextID    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{addresses: make(map[[32]byte]common.Address)}
}

func (f *fakeChain) Lookup(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addresses[branchHash], nil
}

func (f *fakeChain) Register(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.addresses[branchHash]; ok {
		return addr, nil
	}
	f.nextID++
	var addr common.Address
	addr[19] = byte(f.nextID)
	f.addresses[branchHash] = addr
	return addr, nil
}

// transientChain always fails Lookup/Register with a ChainTransient-shaped
// error, simulating an unreachable RPC endpoint.
type transientChain struct{}

func (transientChain) Lookup(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	return common.Address{}, errs.ChainTransient("transient_chain.lookup", errors.New("rpc unreachable"))
}

func (transientChain) Register(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	return common.Address{}, errs.ChainTransient("transient_chain.register", errors.New("rpc unreachable"))
}

// fakeWorkspace tracks which branch hashes have been cloned/synced and
// reports a fixed entrypoint for any cloned branch.
type fakeWorkspace struct {
	mu      sync.Mutex
	cloned  map[string]bool
	entry   string
	failSync bool
}

func newFakeWorkspace(entry string) *fakeWorkspace {
	return &fakeWorkspace{cloned: make(map[string]bool), entry: entry}
}

func (f *fakeWorkspace) Dir(branchHashHex string) string { return "/workspaces/" + branchHashHex }

func (f *fakeWorkspace) EnsureClone(branchHashHex, repoURL, branchName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloned[branchHashHex] = true
	return nil
}

func (f *fakeWorkspace) Sync(branchHashHex, branchName string) error {
	if f.failSync {
		return errors.New("fake workspace sync failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloned[branchHashHex] = true
	return nil
}

func (f *fakeWorkspace) HasEntrypoint(branchHashHex string) bool {
	_, ok := f.EntrypointPath(branchHashHex)
	return ok
}

func (f *fakeWorkspace) EntrypointPath(branchHashHex string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cloned[branchHashHex] || f.entry == "" {
		return "", false
	}
	return f.Dir(branchHashHex) + "/" + f.entry, true
}

// fakeSupervisor tracks started processes in memory.
type fakeSupervisor struct {
	mu        sync.Mutex
	processes map[string]*supervisor.ProcessInfo
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{processes: make(map[string]*supervisor.ProcessInfo)}
}

func (f *fakeSupervisor) Describe(ctx context.Context, name string) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.processes[name]; ok {
		return info, nil
	}
	return &supervisor.ProcessInfo{Name: name, Status: supervisor.StatusMissing}, nil
}

func (f *fakeSupervisor) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &supervisor.ProcessInfo{Name: spec.Name, Status: supervisor.StatusOnline, PID: 4242}
	f.processes[spec.Name] = info
	return info, nil
}

func (f *fakeSupervisor) Reload(ctx context.Context, name string) (*supervisor.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &supervisor.ProcessInfo{Name: name, Status: supervisor.StatusOnline, PID: 4343}
	f.processes[name] = info
	return info, nil
}

func (f *fakeSupervisor) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processes, name)
	return nil
}

func (f *fakeSupervisor) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	return nil, nil
}

func newTestController(t *testing.T, entrypoint string) (*controller.Controller, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	enc, err := crypto.New("test-master-key")
	require.NoError(t, err)

	ctl := controller.New(st, enc, newFakeChain(), newFakeWorkspace(entrypoint), newFakeSupervisor(), controller.Config{
		BackendURL: "https://backend.example.com",
		RPCURL:     "https://rpc.example.com",
	})
	return ctl, st
}

func TestHandlePushReachesRunningState(t *testing.T) {
	ctl, st := newTestController(t, "agent.py")

	err := ctl.HandlePush(context.Background(), "https://example.com/repo.git", "main")
	require.NoError(t, err)

	branchHash := controller.BranchHashHex("https://example.com/repo.git", "main")
	agent, err := st.GetAgentByBranchHash(branchHash)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, agent.Status)
	require.NotEmpty(t, agent.ContractAddress)
}

func TestHandlePushIsIdempotent(t *testing.T) {
	ctl, st := newTestController(t, "agent.py")

	require.NoError(t, ctl.HandlePush(context.Background(), "https://example.com/repo.git", "main"))
	require.NoError(t, ctl.HandlePush(context.Background(), "https://example.com/repo.git", "main"))

	branchHash := controller.BranchHashHex("https://example.com/repo.git", "main")
	agents, err := st.ListAgents("")
	require.NoError(t, err)
	count := 0
	for _, a := range agents {
		if a.BranchHash == branchHash {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestHandlePushWithoutEntrypointErrorsButKeepsAgentRow(t *testing.T) {
	ctl, st := newTestController(t, "")

	err := ctl.HandlePush(context.Background(), "https://example.com/repo.git", "main")
	require.Error(t, err)

	branchHash := controller.BranchHashHex("https://example.com/repo.git", "main")
	agent, err := st.GetAgentByBranchHash(branchHash)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, agent.Status)
}

func TestHandlePushWithTransientChainErrorCreatesNoAgentRow(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	enc, err := crypto.New("test-master-key")
	require.NoError(t, err)

	ctl := controller.New(st, enc, transientChain{}, newFakeWorkspace("agent.py"), newFakeSupervisor(), controller.Config{
		BackendURL: "https://backend.example.com",
		RPCURL:     "https://rpc.example.com",
	})

	err = ctl.HandlePush(context.Background(), "https://example.com/repo.git", "main")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindChainTransient))

	branchHash := controller.BranchHashHex("https://example.com/repo.git", "main")
	_, err = st.GetAgentByBranchHash(branchHash)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestBranchHashHexIsStableAcrossCalls(t *testing.T) {
	a := controller.BranchHashHex("repo", "main")
	b := controller.BranchHashHex("repo", "main")
	require.Equal(t, a, b)
}
