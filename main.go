package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"casbridge/cache"
	"casbridge/idp"
	"casbridge/server"
)

const defaultConfigFile = "config.yaml"

type options struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "casbridge",
		Short: "CAS 3.0 bridge in front of an OpenID Connect provider",
		Long: `casbridge lets CAS clients authenticate against an OpenID Connect tenant.
Browsers are sent through /login and /callback, and services validate the
resulting ticket at /p3/serviceValidate.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CASBRIDGE_CONFIG"), "Path to YAML config (default ./config.yaml when present)")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the CAS endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a configuration file through a guided setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			path := opts.configPath
			if path == "" {
				path = defaultConfigFile
			}
			if err := runConfigInit(path, bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", path)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and check the IDP is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConfigValidate(ctx, cfg, nil, logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			logger.Info("configuration is valid")
			return nil
		},
	})
	root.AddCommand(configCmd)

	root.AddCommand(&cobra.Command{
		Use:   "services",
		Short: "List the CAS services registered at the IDP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.configPath, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runServices(ctx, cfg, nil, logger, cmd.OutOrStdout())
		},
	})

	return root
}

func runServe(ctx context.Context, opts *options) error {
	logger, err := newLogger(opts.logLevel, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger, &http.Client{Timeout: cfg.IDP.Timeout})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
			NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, fn := range shutdownFns {
		if err := fn(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// loadConfig reads path, or ./config.yaml when it exists, or the environment alone.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run `casbridge config init` to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path, nil)
}

// runConfigValidate checks the IDP answers on the endpoints the bridge uses.
func runConfigValidate(ctx context.Context, cfg server.Config, httpClient *http.Client, logger *slog.Logger) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	endpoints := cfg.Endpoints()
	if cfg.IDP.Discovery {
		discovered, err := idp.DiscoverEndpoints(ctx, endpoints, httpClient, cfg.IDP.Timeout)
		if err != nil {
			return err
		}
		endpoints = discovered
	}

	logger.Info("validating IDP endpoints...")
	if err := validateURL(ctx, httpClient, endpoints.JWKSURL); err != nil {
		logger.Error("JWKS endpoint is not reachable", "url", endpoints.JWKSURL, "error", err)
		return fmt.Errorf("jwks: %w", err)
	}
	logger.Info("JWKS endpoint is accessible", "url", endpoints.JWKSURL)
	return nil
}

func validateURL(ctx context.Context, client *http.Client, urlStr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runServices fetches the registry straight from the management API.
func runServices(ctx context.Context, cfg server.Config, httpClient *http.Client, logger *slog.Logger, out io.Writer) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.IDP.Timeout}
	}
	registry := idp.NewRegistry(idp.RegistryConfig{
		Endpoints:    cfg.Endpoints(),
		ClientID:     cfg.IDP.ManagementClientID,
		ClientSecret: cfg.IDP.ManagementClientSecret,
		HTTPClient:   httpClient,
		Timeout:      cfg.IDP.Timeout,
		Cache:        cache.NewMemory(),
		Logger:       logger,
	})
	services, err := registry.Load(ctx)
	if err != nil {
		return err
	}

	domains := make([]string, 0, len(services))
	for d := range services {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE DOMAIN\tCLIENT ID")
	for _, d := range domains {
		fmt.Fprintf(tw, "%s\t%s\n", d, services[d].ClientID)
	}
	return tw.Flush()
}

func runConfigInit(path string, reader *bufio.Reader, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	cfg, err := runSetup(reader, out)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

func runSetup(reader *bufio.Reader, out io.Writer) (server.Config, error) {
	fmt.Fprintln(out, "Starting guided setup for the CAS bridge. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode
	if devMode {
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Public domain of the bridge (e.g. cas.example.com)")
		cfg.Server.TLS.Domains = []string{strings.TrimSuffix(domain, "/")}
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.IDP.Domain = askRequired(reader, out, "IDP tenant domain (e.g. tenant.auth0.com)")
	cfg.IDP.ManagementClientID = askRequired(reader, out, "Management API client ID")
	cfg.IDP.ManagementClientSecret = askRequired(reader, out, "Management API client secret")
	cfg.IDP.Connection = ask(reader, out, "Login connection (blank for the tenant default)", "")
	cfg.CAS.UsernameField = ask(reader, out, "Claim used as the CAS user", cfg.CAS.UsernameField)

	secret, err := randomHex(32)
	if err != nil {
		return server.Config{}, err
	}
	cfg.Session.Secret = secret

	return cfg, nil
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := server.MarshalConfig(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
