package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/DominicWuest/versisect/internal/config"
	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/sirupsen/logrus"
)

// catalogTimeout bounds fetching the releases feed
const catalogTimeout = 30 * time.Second

// newOrchestrator wires an orchestrator according to the configuration.
// Its catalog is only loaded once a task's fiddle was resolved.
func newOrchestrator(cfg config.Config, cwd string, log *logrus.Logger) *versisect.Orchestrator {
	var executor versisect.Executor
	switch cfg.Executor {
	case "docker":
		executor = &versisect.DockerExecutor{
			DockerfilePath: cfg.Dockerfile,
			Cmd:            cfg.Cmd,
			Ports:          cfg.Ports,
			Readiness:      cfg.Docker,
			Log:            log,
		}
	default:
		executor = &versisect.ProcessExecutor{
			BinaryPath:  cfg.Binary,
			LocalBinary: cfg.LocalBinary,
			Args:        cfg.Args,
			Log:         log,
		}
	}

	return &versisect.Orchestrator{
		CatalogLoader: func(ctx context.Context) (*versisect.Catalog, error) {
			catalog, err := loadCatalog(ctx, cfg)
			if err == nil {
				log.Infof("Loaded %d versions", catalog.Len())
			}
			return catalog, err
		},
		Resolver: &versisect.FileResolver{
			WorkingDir: cwd,
			GistAPI:    cfg.GistAPI,
			Log:        log,
		},
		Executor:   executor,
		RunTimeout: cfg.RunTimeout,
		CompareURL: cfg.CompareURL,
		Settings:   cfg.Settings(),
		Log:        log,
	}
}

// loadCatalog reads the configured catalog file, or fetches the releases feed if there is none
func loadCatalog(ctx context.Context, cfg config.Config) (*versisect.Catalog, error) {
	if cfg.Catalog != "" {
		f, err := os.Open(cfg.Catalog)
		if err != nil {
			return nil, fmt.Errorf("couldn't open version catalog - %w", err)
		}
		defer f.Close()
		return versisect.LoadCatalog(f)
	}

	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()
	return versisect.FetchCatalog(ctx, http.DefaultClient, cfg.ReleasesURL, cfg.SupportedMajors)
}
