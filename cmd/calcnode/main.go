package main

// ============================================================================
// calcnode 入口點
// ============================================================================
//
//   go build -o bin/calcnode ./cmd/calcnode
//   ./bin/calcnode dispatcher --jobs configs/jobs.json
//   ./bin/calcnode worker --dispatcher localhost:50051 --capacity 4
//   ./bin/calcnode status
//
// 編譯時注入版本:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/calcnode
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/calcnode/internal/cli"
	"github.com/ChuLiYu/calcnode/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	err := rootCmd.Execute()
	_ = logging.L().Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
