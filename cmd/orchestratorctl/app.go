package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kurtbell87/orchestration-kit/pkg/engine"
	"github.com/kurtbell87/orchestration-kit/pkg/fleet"
	"github.com/kurtbell87/orchestration-kit/pkg/fleet/backend"
	"github.com/kurtbell87/orchestration-kit/pkg/index"
	"github.com/kurtbell87/orchestration-kit/pkg/interop"
	"github.com/kurtbell87/orchestration-kit/pkg/kitconfig"
	"github.com/kurtbell87/orchestration-kit/pkg/mcp"
	"github.com/kurtbell87/orchestration-kit/pkg/registry"
)

// app bundles every component the binary wires together, so each
// subcommand can pull just what it needs without re-deriving config.
type app struct {
	root   kitconfig.Root
	cloud  kitconfig.CloudConfig
	mcpCfg kitconfig.MCPConfig

	store      index.Store
	engine     *engine.Engine
	router     *interop.Router
	controller *fleet.Controller
	resolver   *commandTable
	facade     *mcp.Facade
}

// newApp loads configuration from the environment and constructs every
// component, the way the teacher's newFleetStack builds its store/node
// manager/executor/relay stack from one *config.Config.
func newApp() (*app, error) {
	root, err := kitconfig.LoadRoot()
	if err != nil {
		return nil, err
	}
	cloud, err := kitconfig.LoadCloud()
	if err != nil {
		return nil, err
	}
	mcpCfg, err := kitconfig.LoadMCP()
	if err != nil {
		return nil, err
	}

	if err := registry.EnsureDir(registryPath(root)); err != nil {
		return nil, fmt.Errorf("ensure registry directory: %w", err)
	}
	projectRoot := root.ProjectRoot
	if projectRoot == "" {
		projectRoot = root.OrchestrationKitRoot
	}
	if _, err := registry.MaybeSeed(registryPath(root), root.OrchestrationKitRoot, projectRoot); err != nil {
		return nil, fmt.Errorf("seed registry: %w", err)
	}

	store, err := index.NewSQLiteStore(dbPath(root))
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}

	eng := engine.New(store)
	resolver := &commandTable{orchestrationKitRoot: root.OrchestrationKitRoot, projectRoot: root.ProjectRoot}
	router := interop.New(root.OrchestrationKitRoot, resolver)

	backends := map[string]fleet.Backend{
		"aws":    backend.NewAWSBackend(cloud.AWSRegion, cloud.S3Bucket),
		"runpod": backend.NewRunPodBackend(os.Getenv("RUNPOD_API_KEY"), cloud.AWSRegion, cloud.S3Bucket),
	}
	pollInterval := time.Duration(cloud.PollIntervalSeconds) * time.Second
	hardCeiling := time.Duration(cloud.HardCeilingHours * float64(time.Hour))
	controller, err := fleet.New(root.OrchestrationKitRoot, backends, pollInterval, hardCeiling, "*/1 * * * *", "*/30 * * * *")
	if err != nil {
		return nil, fmt.Errorf("construct fleet controller: %w", err)
	}

	facade := &mcp.Facade{
		Engine:               eng,
		Store:                store,
		Router:               router,
		Controller:           controller,
		Resolver:             resolver,
		RegistryPath:         registryPath(root),
		OrchestrationKitRoot: root.OrchestrationKitRoot,
		ProjectRoot:          root.ProjectRoot,
		MaxOutputBytes:       mcpCfg.MaxOutputBytes,
	}

	return &app{
		root: root, cloud: cloud, mcpCfg: mcpCfg,
		store: store, engine: eng, router: router, controller: controller,
		resolver: resolver, facade: facade,
	}, nil
}
