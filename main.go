package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"

	"github.com/go-authgate/session-cli/apiclient"
	"github.com/go-authgate/session-cli/logx"
	"github.com/go-authgate/session-cli/tui"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type appConfig struct {
	serverURL   string
	loginURL    string
	refreshPath string
	profile     string

	storeBackend  string
	storeSecret   string
	tokenFile     string
	redisAddr     string
	redisPassword string
	redisDB       int
	sqlitePath    string

	clientVersion  string
	requestTimeout time.Duration
	maxRetries     int
	rateLimit      float64

	appEnv    string
	logLevel  string
	logFormat string
}

var (
	cfg               *appConfig
	flagServerURL     *string
	flagLoginURL      *string
	flagTokenFile     *string
	flagStoreBackend  *string
	flagProfile       *string
	flagLogLevel      *string
	configInitialized bool
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"API base URL (default: http://localhost:8080/v1/api or SERVER_URL env)",
	)
	flagLoginURL = flag.String(
		"login-url",
		"",
		"Sign-in page shown when the session expires (default: /auth/login or LOGIN_URL env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Session file for the file store (default: .session-cli.json or TOKEN_FILE env)",
	)
	flagStoreBackend = flag.String(
		"store",
		"",
		"Session storage: file, redis, sqlite or memory (default: file or STORE_BACKEND env)",
	)
	flagProfile = flag.String(
		"profile",
		"",
		"Profile name; each profile keeps its own session (default: default or PROFILE env)",
	)
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env)")

	flag.Usage = usage
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  login -email E -password P [-remember]   sign in")
	fmt.Fprintln(out, "  logout [-all]                            sign out (all devices with -all)")
	fmt.Fprintln(out, "  status                                   show the local session")
	fmt.Fprintln(out, "  get|delete <path>                        call the API")
	fmt.Fprintln(out, "  post|put|patch <path> [json|-]           call the API with a JSON body")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg = c

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Credentials and tokens travel in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
}

// loadConfig resolves every setting with priority: flag > env > default.
func loadConfig() (*appConfig, error) {
	c := &appConfig{
		serverURL:     getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080/v1/api"),
		loginURL:      getConfig(*flagLoginURL, "LOGIN_URL", apiclient.DefaultLoginURL),
		refreshPath:   getEnv("REFRESH_PATH", apiclient.DefaultRefreshPath),
		profile:       getConfig(*flagProfile, "PROFILE", "default"),
		storeBackend:  strings.ToLower(getConfig(*flagStoreBackend, "STORE_BACKEND", backendFile)),
		storeSecret:   getEnv("STORE_SECRET", ""),
		tokenFile:     getConfig(*flagTokenFile, "TOKEN_FILE", ".session-cli.json"),
		redisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		redisPassword: getEnv("REDIS_PASSWORD", ""),
		sqlitePath:    getEnv("SQLITE_PATH", ".session-cli.db"),
		clientVersion: getEnv("CLIENT_VERSION", version),
		appEnv:        getEnv("APP_ENV", "production"),
		logLevel:      getConfig(*flagLogLevel, "LOG_LEVEL", "warn"),
		logFormat:     getEnv("LOG_FORMAT", "text"),
	}

	if err := validateServerURL(c.serverURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if !isKnownBackend(c.storeBackend) {
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (want file, redis, sqlite or memory)", c.storeBackend)
	}

	var err error
	if c.redisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.maxRetries, err = getEnvInt("MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if c.requestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", apiclient.DefaultTimeout); err != nil {
		return nil, err
	}
	if c.rateLimit, err = getEnvFloat("RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if c.maxRetries < 0 || c.rateLimit < 0 || c.requestTimeout <= 0 {
		return nil, errors.New("MAX_RETRIES and RATE_LIMIT must not be negative, REQUEST_TIMEOUT must be positive")
	}
	return c, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an integer", key, raw)
	}
	return v, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a number", key, raw)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner(cfg.serverURL)
		runErr := run(d, args)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		if err := run(d, args); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logx.New(os.Stderr, logx.Config{
		Version: version,
		Env:     cfg.appEnv,
		Level:   cfg.logLevel,
		Format:  cfg.logFormat,
	})

	kv, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer closeStore()

	client, err := apiclient.New(ctx, apiclient.Config{
		BaseURL:       cfg.serverURL,
		LoginURL:      cfg.loginURL,
		RefreshPath:   cfg.refreshPath,
		ClientVersion: cfg.clientVersion,
		Timeout:       cfg.requestTimeout,
		MaxRetries:    cfg.maxRetries,
		RateLimit:     cfg.rateLimit,
		Notifier:      d,
		Logger:        logger,
	}, kv)
	if err != nil {
		d.Fatal(err)
		return err
	}

	cli := &commands{
		client:  client,
		d:       d,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		backend: cfg.storeBackend,
	}
	return cli.execute(ctx, args)
}
