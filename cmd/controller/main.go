package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/opsline-dev/branchctl/internal/api"
	"github.com/opsline-dev/branchctl/internal/chain"
	"github.com/opsline-dev/branchctl/internal/config"
	"github.com/opsline-dev/branchctl/internal/controller"
	"github.com/opsline-dev/branchctl/internal/crypto"
	"github.com/opsline-dev/branchctl/internal/store"
	"github.com/opsline-dev/branchctl/internal/supervisor"
	"github.com/opsline-dev/branchctl/internal/workspace"
)

const startupReconcileTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open store:", err)
	}

	enc, err := crypto.New(cfg.MasterKey)
	if err != nil {
		log.Fatal("Failed to initialize crypto:", err)
	}

	chainClient := chain.New(chain.Config{
		RPCURL:          cfg.RPCURL,
		PrivateKeyHex:   cfg.PrivateKeyHex,
		RegistryAddress: cfg.RegistryAddress,
	})

	ws := workspace.New(cfg.WorkspaceRoot)

	sup, err := supervisor.New(cfg.WorkerImage)
	if err != nil {
		log.Fatal("Failed to initialize supervisor:", err)
	}

	ctl := controller.New(st, enc, chainClient, ws, sup, controller.Config{
		BackendURL:  cfg.BackendURL,
		RPCURL:      cfg.RPCURL,
		WorkerImage: cfg.WorkerImage,
	})

	// Startup reconciliation recovers DB rows and workspaces from the
	// on-chain registry plus the bootstrap list, tolerating ephemeral
	// storage across restarts.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupReconcileTimeout)
	ctl.StartupReconcile(startupCtx, cfg.Bootstrap)
	cancelStartup()

	server := api.New(ctl, cfg.Bootstrap)

	go func() {
		if err := server.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Printf("API server stopped: %v", err)
		}
	}()
	log.Printf("branchctl controller listening on port %d", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down controller...")
	if err := server.Shutdown(); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	log.Println("Controller shut down successfully")
}
