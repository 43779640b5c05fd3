// Command kvsd-server runs a kvsd TCP server over either the
// log-structured engine or the bbolt-backed alternative backend.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brineholt/kvsd/boltstore"
	"github.com/brineholt/kvsd/core"
	"github.com/brineholt/kvsd/pool"
	"github.com/brineholt/kvsd/server"
)

const (
	defaultAddr = "127.0.0.1:4000"
	version     = "0.1.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr   string
		engine string
		dir    string
	)

	cmd := &cobra.Command{
		Use:          "kvsd-server",
		Short:        "kvsd storage engine server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, engine, dir)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "listen address")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "data directory")
	cmd.Flags().StringVar(&engine, "engine", "", "storage engine: kvs or bolt (default: detect from dir, else kvs)")

	return cmd
}

func run(addr, engineFlag, dir string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	chosen, err := resolveEngine(engineFlag, dir)
	if err != nil {
		return err
	}

	log.Infow("starting kvsd-server", "version", version, "engine", chosen, "dir", dir, "addr", addr)

	store, closeStore, err := openEngine(chosen, dir)
	if err != nil {
		return fmt.Errorf("open %s engine at %q: %w", chosen, dir, err)
	}
	defer closeStore() // nolint:errcheck

	workers := runtime.GOMAXPROCS(0)
	p, err := pool.NewSharedQueuePool(workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer p.Close()

	srv := server.New(store, p, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("shutting down", "signal", sig.String())
		srv.Shutdown(addr)
	}()

	if err := srv.ListenAndServe(addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// resolveEngine decides which backend to use: an explicit --engine flag
// wins but must agree with whichever sentinel file dir already carries;
// an empty dir with no flag defaults to "kvs".
func resolveEngine(flagVal, dir string) (string, error) {
	if flagVal != "" && flagVal != "kvs" && flagVal != "bolt" {
		return "", fmt.Errorf("invalid --engine %q: must be kvs or bolt", flagVal)
	}

	onDisk := detectEngine(dir)
	switch {
	case onDisk != "" && flagVal != "" && onDisk != flagVal:
		return "", fmt.Errorf("directory %q already uses engine %q, not %q", dir, onDisk, flagVal)
	case onDisk != "":
		return onDisk, nil
	case flagVal != "":
		return flagVal, nil
	default:
		return "kvs", nil
	}
}

// detectEngine inspects dir for an existing sentinel file and returns
// "kvs", "bolt", or "" if dir is fresh or doesn't exist yet.
func detectEngine(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "kvs")); err == nil {
		return "kvs"
	}
	if _, err := os.Stat(filepath.Join(dir, "bolt.cfg")); err == nil {
		return "bolt"
	}
	return ""
}

func openEngine(name, dir string) (store core.Store, closeFn func() error, err error) {
	switch name {
	case "kvs":
		db, err := core.Open(dir)
		if err != nil {
			return nil, nil, err
		}
		return core.AsStore(db), db.Close, nil
	case "bolt":
		db, err := boltstore.Open(dir)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine %q", name)
	}
}
