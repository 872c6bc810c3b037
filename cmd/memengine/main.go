// Memengine — per-developer knowledge memory for AI coding agents.
//
// Usage:
//
//	memengine mcp    Start the MCP server (stdio transport)
//	memengine hook   Run one hook event from stdin, write any injected
//	                 context to stdout, always exit 0
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/engine"
	"github.com/corvid-labs/memengine/internal/hook"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/storage"
	"github.com/corvid-labs/memengine/internal/toolsapi"
)

var (
	serveMCP  = mcpserver.ServeStdio
	exitFunc  = os.Exit
	startedAt = time.Now()
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		exitFunc(1)
		return
	}

	switch os.Args[1] {
	case "mcp":
		cmdMCP()
	case "hook":
		cmdHook()
	case "version", "--version", "-v":
		fmt.Println("memengine dev")
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		exitFunc(1)
	}
}

// dataDir resolves the on-disk store, defaulting to a dotdir under the
// user's home; MEMENGINE_DATA_DIR overrides it.
func dataDir() string {
	if dir := os.Getenv("MEMENGINE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memengine"
	}
	return filepath.Join(home, ".memengine")
}

// hashPath derives a stable identifier from an absolute directory path, so
// the same checkout always maps to the same project across separate
// mcp/hook invocations.
func hashPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// projectHash resolves the current project's hash from the override env
// var or the process's working directory.
func projectHash() string {
	if dir := os.Getenv("MEMENGINE_PROJECT_DIR"); dir != "" {
		return hashPath(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return hashPath(wd)
}

// embeddingAdapter returns nil when no embedding endpoint is configured;
// the engine and every downstream component already run keyword-only
// against a nil/not-ready handle.
func embeddingAdapter() embedding.Adapter {
	baseURL := os.Getenv("MEMENGINE_EMBEDDING_URL")
	if baseURL == "" {
		return nil
	}
	model := os.Getenv("MEMENGINE_EMBEDDING_MODEL")
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := 1536
	return embedding.NewHTTPAdapter(baseURL, model, dims)
}

func cmdMCP() {
	log := logging.New()
	db, err := storage.Open(storage.Config{DataDir: dataDir()}, logging.Component(log, "storage"))
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	cfg := config.NewStore(dataDir())

	var embHandle *embedding.Handle
	if adapter := embeddingAdapter(); adapter != nil {
		h, err := embedding.Start(adapter, logging.Component(log, "embedding"))
		if err != nil {
			log.WithError(err).Warn("embedding worker unavailable, running keyword-only")
		} else {
			embHandle = h
		}
	}

	eng := engine.New(db, log, cfg, embHandle, engine.Deps{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.Start(ctx)

	ph := projectHash()
	srv := toolsapi.Register(eng, ph, startedAt)

	go func() {
		<-ctx.Done()
		eng.Shutdown(5 * time.Second)
	}()

	if err := serveMCP(srv); err != nil {
		fatal(err)
	}
}

func cmdHook() {
	log := logging.Component(logging.New(), "hook")

	ev, err := hook.Decode(os.Stdin)
	if err != nil {
		log.WithError(err).Debug("decode hook event")
		exitFunc(0)
		return
	}

	db, err := storage.Open(storage.Config{DataDir: dataDir()}, logging.Component(logging.New(), "storage"))
	if err != nil {
		log.WithError(err).Debug("open storage")
		exitFunc(0)
		return
	}
	defer db.Close()

	cfg := config.NewStore(dataDir())

	var embHandle *embedding.Handle
	if adapter := embeddingAdapter(); adapter != nil {
		if h, err := embedding.Start(adapter, logging.Component(logging.New(), "embedding")); err == nil {
			embHandle = h
			defer embHandle.Shutdown()
		}
	}

	eng := engine.New(db, logging.New(), cfg, embHandle, engine.Deps{})

	ph := projectHash()
	if ev.Cwd != "" {
		ph = hashPath(ev.Cwd)
	}

	out := hook.Dispatch(eng, ph, ev, log)
	if out != "" {
		fmt.Println(out)
	}
	exitFunc(0)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "memengine: %s\n", err)
	exitFunc(1)
}

func printUsage() {
	fmt.Print(`memengine — per-developer knowledge memory for AI coding agents

Usage:
  memengine <command>

Commands:
  mcp      Start the MCP server (stdio transport)
  hook     Run one hook event from stdin, write injected context to stdout
  version  Print the version
  help     Show this message

Environment:
  MEMENGINE_DATA_DIR        Override the on-disk store location
  MEMENGINE_PROJECT_DIR     Override the directory hashed into the project id
  MEMENGINE_EMBEDDING_URL   Base URL of an OpenAI-embeddings-compatible endpoint
  MEMENGINE_EMBEDDING_MODEL Embedding model name (default: text-embedding-3-small)
`)
}
