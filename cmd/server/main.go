package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/jikku/funnel-server/internal/auth"
	"github.com/jikku/funnel-server/internal/config"
	"github.com/jikku/funnel-server/internal/logging"
)

const Version = "v1.2.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			os.Exit(runHashPassword(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
		case "--version", "-version":
			printVersion(os.Stdout)
			return
		case "--help", "-help", "-h":
			printHelp(os.Stdout)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q\n\n", os.Args[1])
			printHelp(os.Stderr)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "funnel-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve(ctx)
}

// runHashPassword prints a bcrypt hash for ADMIN_PASSWORD_HASH. The
// password comes from the first argument, or from stdin when it is
// missing or "-".
func runHashPassword(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var password string
	switch {
	case len(args) > 1:
		fmt.Fprintln(stderr, "usage: funnel-server hash-password [password|-]")
		return 2
	case len(args) == 1 && args[0] != "-":
		password = args[0]
	default:
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(stderr, "failed to read password: %v\n", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if strong, warnings := auth.ValidatePasswordStrength(password); !strong {
		for _, w := range warnings {
			fmt.Fprintf(stderr, "warning: %s\n", w)
		}
	}

	fmt.Fprintln(stdout, hash)
	return 0
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "funnel-server %s\n", Version)
	fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, `funnel-server %s - static funnel site server

USAGE:
  funnel-server                         Start the server
  funnel-server hash-password [pw|-]    Print a bcrypt hash for ADMIN_PASSWORD_HASH
  funnel-server --version               Show version and exit
  funnel-server --help                  Show this help

ENVIRONMENT:
  PORT                  Listen port (default 3000)
  HOST                  Bind address (default 0.0.0.0)
  NODE_ENV              development, production or test (default development)
  ROOT_DIR              Directory to serve (default .)
  SERVICE_NAME          Name reported by /health-basic (default funnel-server)
  LOG_LEVEL             debug, info, warn or error (default info)
  BACK_REDIRECT_URL     Navigation trap target (default /back)
  TRAP_DELAY_MS         Delay before the trap redirects (default 100)
  TRAP_HISTORY_ENTRIES  Synthetic history entries pushed (default 1)
  TRAP_REARM_MS         Re-arm interval, 0 disables (default 0)
  TRAP_VERBOSE          Log trap activity to the browser console
  GZIP                  Compress responses (default true)
  LIVE_RELOAD           Reload open pages when files change (default false)
  DB_PATH               sqlite file for page views and certificates
  ADMIN_USER            Basic auth user for /api/stats and /metrics
  ADMIN_PASSWORD_HASH   bcrypt hash from "funnel-server hash-password"
  TLS_DOMAINS           Comma separated domains for automatic HTTPS
  TLS_EMAIL             ACME account email
  TLS_HTTP_PORT         Port for ACME challenges and redirects (default 80)
  TLS_STAGING           Use the Let's Encrypt staging CA
  NTFY_URL              ntfy server (default https://ntfy.sh)
  NTFY_TOPIC            ntfy topic for panic and startup alerts

EXAMPLES:
  ROOT_DIR=./site PORT=8080 funnel-server
  echo 'a-long-password' | funnel-server hash-password -
`, Version)
}
