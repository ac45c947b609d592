package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/acprelay/server/acp"
	"github.com/acprelay/server/bridge"
	"github.com/acprelay/server/middleware"
	"github.com/acprelay/server/startup"
	"github.com/acprelay/server/ws"
)

var version = "dev"

// splitAgentCommand splits the configured agent command line into argv.
// Whitespace-only input counts as empty.
func splitAgentCommand(cmd string) ([]string, error) {
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return nil, errors.New("agent command is empty")
	}
	return argv, nil
}

func newHandler(token string, wsHandler *ws.RPCHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("GET /ws", wsHandler)

	return middleware.Auth(token)(mux)
}

func main() {
	portFlag := flag.Int("port", 0, "server port (default 8080)")
	tokenFlag := flag.String("auth-token", "", "authentication token (required)")
	agentCmdFlag := flag.String("agent-cmd", "", "agent command line (required)")
	devModeFlag := flag.Bool("dev", false, "enable development mode")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("acprelay %s\n", version)
		os.Exit(0)
	}

	port := "8080"
	if *portFlag != 0 {
		port = strconv.Itoa(*portFlag)
	} else if envPort := os.Getenv("SERVER_PORT"); envPort != "" {
		port = envPort
	}

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("AUTH_TOKEN")
	}
	if token == "" {
		slog.Error("AUTH_TOKEN is required (use --auth-token flag or AUTH_TOKEN env)")
		os.Exit(1)
	}

	agentCmd := *agentCmdFlag
	if agentCmd == "" {
		agentCmd = os.Getenv("AGENT_CMD")
	}
	agentArgv, err := splitAgentCommand(agentCmd)
	if err != nil {
		slog.Error("AGENT_CMD is required (use --agent-cmd flag or AGENT_CMD env)")
		os.Exit(1)
	}

	workDir := "."
	if envWorkDir := os.Getenv("WORK_DIR"); envWorkDir != "" {
		workDir = envWorkDir
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		slog.Error("failed to resolve work directory", "error", err)
		os.Exit(1)
	}
	workDir = absWorkDir

	devMode := *devModeFlag || os.Getenv("DEV_MODE") == "true"
	if devMode {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	dialer := &acp.StdioDialer{
		Command:    agentArgv[0],
		Args:       agentArgv[1:],
		Dir:        workDir,
		ClientInfo: acp.Implementation{Name: "acprelay", Version: version},
	}

	manager := bridge.NewManager(dialer, workDir, slog.Default())

	wsHandler := ws.NewRPCHandler(token, manager, devMode)
	handler := newHandler(token, wsHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		manager.Shutdown()
		close(shutdownDone)
	}()

	startup.PrintBanner(startup.BannerOptions{
		Version:  version,
		LocalURL: "http://localhost:" + port,
		AgentCmd: agentCmd,
		WorkDir:  workDir,
	})
	startup.PrintFooter()

	slog.Info("server starting", "port", port, "workDir", workDir, "agentCmd", agentCmd, "devMode", devMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}
