package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kurtbell87/orchestration-kit/pkg/kitconfig"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("orchestratorctl %s\n", formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func registryPath(root kitconfig.Root) string {
	return filepath.Join(root.OrchestrationKitRoot, root.KitStateDir, "registry.json")
}

func dbPath(root kitconfig.Root) string {
	return filepath.Join(root.OrchestrationKitRoot, root.KitStateDir, "index.db")
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
