// Package main is the entry point for the marketplace gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vyrodovalexey/marketgw/internal/auth/jwt"
	"github.com/vyrodovalexey/marketgw/internal/config"
	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
	issueToken  string
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if flags.issueToken != "" {
		if err := issueToken(context.Background(), os.Stdout, cfg.Auth.Secret, flags.issueToken); err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := initLogger(flags, cfg)
	defer func() { _ = logger.Sync() }()

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("starting marketgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("services", len(cfg.Services)),
		observability.Int("routes", len(cfg.Routes)),
	)

	app, err := initApplication(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}

	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags

	fs := flag.NewFlagSet("marketgw", flag.ContinueOnError)
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")
	fs.StringVar(&flags.issueToken, "issue-token", "",
		"Print a token for subject:ROLE signed with the configured secret and exit")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "marketgw version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger. Flags win over the configuration.
func initLogger(flags cliFlags, cfg *config.GatewayConfig) observability.Logger {
	logCfg := observability.DefaultLogConfig()
	logCfg.Level = cfg.Observability.LogLevel
	logCfg.Format = cfg.Observability.LogFormat
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

var errTokenFormat = errors.New("token must be given as subject:ROLE")

// issueToken signs a token for subjectRole ("subject:ROLE") and writes it to w.
func issueToken(ctx context.Context, w io.Writer, secret, subjectRole string) error {
	subject, roleName, ok := strings.Cut(subjectRole, ":")
	if !ok || subject == "" {
		return errTokenFormat
	}
	role, err := jwt.ParseRole(roleName)
	if err != nil {
		return err
	}

	signer, err := jwt.NewSigner(secret)
	if err != nil {
		return err
	}
	token, err := signer.Sign(ctx, &jwt.Claims{Subject: subject, Role: role})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, token)
	return err
}
