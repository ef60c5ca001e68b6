// Package chain is the read/write client for the on-chain Registry
// contract: branch_hash -> contract_address lookup and idempotent
// registration. It follows the lazy-initialization pattern from the
// design notes: a missing RPC URL, private key, or registry address at
// startup must not prevent the controller's HTTP surface from starting —
// it must only cause chain-dependent calls to fail with ChainUnavailable.
//
// Grounded on the teacher repo's go-ethereum usage (accounts/abi for
// encoding calls, ethclient for RPC) generalized from the teacher's
// client-side transaction-signing flow (where a browser wallet signs) to
// a controller that holds its own private key and signs server-side,
// following the abi/bind + ethclient.Dial + crypto.HexToECDSA pattern the
// pack's end-to-end tests use to drive a local chain directly.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/opsline-dev/branchctl/internal/errs"
)

// ZeroAddress is returned by Lookup when a branch hash is unregistered.
var ZeroAddress = common.Address{}

// alreadyRegisteredSignal is the domain revert string the Registry
// contract uses to signal idempotent registration. Any other revert
// reason is fatal to the operation.
const alreadyRegisteredSignal = "already registered"

// Config holds the chain connection settings. An empty RPCURL,
// PrivateKeyHex or RegistryAddress means chain-dependent operations fail
// with ChainUnavailable until they are supplied (e.g. via environment
// variables) and the process restarts. A zero GasLimit is replaced by a
// default in New.
type Config struct {
	RPCURL          string
	PrivateKeyHex   string
	RegistryAddress string
	GasLimit        uint64
}

// Chain is the Registry client contract the Controller depends on.
type Chain interface {
	// Lookup returns the registered contract address for branchHash, or
	// ZeroAddress if unregistered.
	Lookup(ctx context.Context, branchHash [32]byte) (common.Address, error)
	// Register sends a registration transaction for branchHash, waits for
	// confirmation, and re-reads the registry. If the chain reports the
	// hash is already registered, it resolves via Lookup instead of
	// propagating an error.
	Register(ctx context.Context, branchHash [32]byte) (common.Address, error)
}

// BranchHash computes keccak256(repoURL + "/" + branchName), the same
// primitive the on-chain contract uses, so the controller's identity
// computation agrees with the contract's own hashing.
func BranchHash(repoURL, branchName string) [32]byte {
	return crypto.Keccak256Hash([]byte(repoURL + "/" + branchName))
}

type ethChain struct {
	cfg Config

	mu      sync.Mutex
	client  *ethclient.Client
	auth    *bind.TransactOpts
	from    common.Address
	chainID *big.Int
}

// New returns a Chain that lazily dials cfg.RPCURL on first use.
func New(cfg Config) Chain {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 3_000_000
	}
	return &ethChain{cfg: cfg}
}

func (c *ethChain) ensureClient(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if c.cfg.RPCURL == "" || c.cfg.PrivateKeyHex == "" || c.cfg.RegistryAddress == "" {
		return errs.ChainUnavailable("chain.ensure_client", errors.New("rpc url, private key, and registry address are all required"))
	}

	client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return errs.ChainUnavailable("chain.ensure_client", fmt.Errorf("dialing rpc: %w", err))
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(c.cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return errs.ChainUnavailable("chain.ensure_client", fmt.Errorf("parsing private key: %w", err))
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return errs.ChainTransient("chain.ensure_client", fmt.Errorf("fetching chain id: %w", err))
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, chainID)
	if err != nil {
		return errs.ChainUnavailable("chain.ensure_client", fmt.Errorf("building transactor: %w", err))
	}

	c.client = client
	c.auth = auth
	c.from = crypto.PubkeyToAddress(privateKey.PublicKey)
	c.chainID = chainID
	return nil
}

func (c *ethChain) registryAddress() common.Address {
	return common.HexToAddress(c.cfg.RegistryAddress)
}

func (c *ethChain) Lookup(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	if err := c.ensureClient(ctx); err != nil {
		return ZeroAddress, err
	}

	parsedABI, err := RegistryABI()
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: parsing registry abi: %w", err)
	}

	data, err := parsedABI.Pack("lookup", branchHash)
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: encoding lookup call: %w", err)
	}

	registry := c.registryAddress()
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &registry,
		Data: data,
	}, nil)
	if err != nil {
		return ZeroAddress, classifyCallError("chain.registry_lookup", err)
	}

	outputs, err := parsedABI.Unpack("lookup", result)
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: decoding lookup result: %w", err)
	}
	if len(outputs) != 1 {
		return ZeroAddress, fmt.Errorf("chain: unexpected lookup output arity %d", len(outputs))
	}
	address, ok := outputs[0].(common.Address)
	if !ok {
		return ZeroAddress, fmt.Errorf("chain: lookup output is not an address")
	}
	return address, nil
}

func (c *ethChain) Register(ctx context.Context, branchHash [32]byte) (common.Address, error) {
	if err := c.ensureClient(ctx); err != nil {
		return ZeroAddress, err
	}

	parsedABI, err := RegistryABI()
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: parsing registry abi: %w", err)
	}

	data, err := parsedABI.Pack("register", branchHash)
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: encoding register call: %w", err)
	}

	registry := c.registryAddress()

	// Simulate first so an "already registered" revert is resolved via
	// Lookup instead of spending gas on a transaction that will revert.
	if _, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &registry,
		Data: data,
	}, nil); err != nil {
		if isAlreadyRegistered(err) {
			return c.Lookup(ctx, branchHash)
		}
		return ZeroAddress, classifyCallError("chain.registry_register", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return ZeroAddress, errs.ChainTransient("chain.registry_register", fmt.Errorf("fetching nonce: %w", err))
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return ZeroAddress, errs.ChainTransient("chain.registry_register", fmt.Errorf("suggesting gas price: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &registry,
		Value:    big.NewInt(0),
		Gas:      c.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := c.auth.Signer(c.from, tx)
	if err != nil {
		return ZeroAddress, fmt.Errorf("chain: signing transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		if isAlreadyRegistered(err) {
			return c.Lookup(ctx, branchHash)
		}
		return ZeroAddress, classifyCallError("chain.registry_register", err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, signedTx)
	if err != nil {
		return ZeroAddress, errs.ChainTransient("chain.registry_register", fmt.Errorf("waiting for confirmation: %w", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ZeroAddress, errs.ChainError("chain.registry_register", errors.New("transaction reverted on-chain"))
	}

	// Re-read per the idempotency contract: the registered address is
	// whatever the registry now reports, not an assumption about what we
	// sent.
	return c.Lookup(ctx, branchHash)
}

func isAlreadyRegistered(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), alreadyRegisteredSignal)
}

// classifyCallError distinguishes transient transport failures (DNS,
// timeout, 5xx) from fatal on-chain reverts, per the error handling
// design: transient errors must never mark the Agent as errored.
func classifyCallError(op string, err error) error {
	if isAlreadyRegistered(err) {
		// Callers check this case before calling classifyCallError, but
		// guard here too so a future call site can't regress.
		return errs.ChainError(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.ChainTransient(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.ChainTransient(op, err)
	}

	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"no such host", "timeout", "timed out", "connection refused",
		"connection reset", "eof", "i/o timeout", "temporary failure",
		"502", "503", "504", "too many requests",
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return errs.ChainTransient(op, err)
		}
	}

	return errs.ChainError(op, err)
}
