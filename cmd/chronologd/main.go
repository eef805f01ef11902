// cmd/chronologd/main.go runs the watcher daemon against a single
// repository: open (or initialize) it, start watching, then block
// until asked to stop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronolog/internal/logging"
	"chronolog/internal/repo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	rootFlag := flag.String("root", "", "repository root (defaults to the working directory, walking up for .chronolog)")
	initFlag := flag.Bool("init", false, "initialize a new repository at root if one does not already exist")
	devFlag := flag.Bool("dev", false, "use a human-readable development logger instead of JSON")
	flag.Parse()

	base, err := newBaseLogger(*devFlag)
	if err != nil {
		return fmt.Errorf("chronologd: initializing logger: %w", err)
	}
	defer base.Sync()
	logger := base.WithSession(uuid.NewString())

	root := *rootFlag
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("chronologd: getting working directory: %w", err)
		}
		root = cwd
	}

	r, err := openOrInit(root, *initFlag, logger)
	if err != nil {
		return fmt.Errorf("chronologd: opening repository: %w", err)
	}
	defer r.Close()

	if err := r.DaemonStart(); err != nil {
		return fmt.Errorf("chronologd: starting daemon: %w", err)
	}
	logger.Info("chronologd started", zap.String("root", r.Root))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("chronologd stopping")
	if err := r.DaemonStop(5 * time.Second); err != nil {
		return fmt.Errorf("chronologd: stopping daemon: %w", err)
	}
	return nil
}

func newBaseLogger(dev bool) (*logging.Logger, error) {
	if dev {
		return logging.NewDevelopment()
	}
	return logging.NewLogger("info")
}

func openOrInit(root string, allowInit bool, logger *zap.Logger) (*repo.Repository, error) {
	foundRoot, err := repo.FindRoot(root)
	if err == nil {
		return repo.Open(foundRoot, logger)
	}
	if !allowInit {
		return nil, err
	}
	return repo.Init(root, logger)
}
