// Package cli is the cddns command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evanofslack/cddns/internal/config"
	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/ipresolve"
	"github.com/evanofslack/cddns/internal/logger"
	"github.com/evanofslack/cddns/internal/metrics"
	"github.com/evanofslack/cddns/internal/provider"
	"github.com/evanofslack/cddns/internal/provider/cloudflare"
)

const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

var (
	Version = "dev"
	GitSha  = "unknown"
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"token":        "token",
	"inventory":    "inventory.path",
	"interval":     "watch.interval",
	"metrics-addr": "watch.metrics_addr",
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	configFile string
	verbose    bool
	cfg        *config.Config
	metrics    *metrics.Metrics

	newProvider  func(cfg *config.Config, m *metrics.Metrics) (provider.Provider, error)
	newResolver  func(cfg *config.Config, m *metrics.Metrics) (ipresolve.Resolver, error)
	configureLog func(level, env string)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:       stdout,
		stderr:       stderr,
		newProvider:  newCloudflare,
		newResolver:  newResolver,
		configureLog: logger.Configure,
	}
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return newApp(stdout, stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var silent *exitError
	if !errors.As(err, &silent) || silent.err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitError carries an exit code for outcomes that were already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var e *exitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &e):
		return e.code
	case errors.Is(err, errs.ErrConfig):
		return ExitConfig
	default:
		return ExitFailed
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cddns",
		Short:         "Keep Cloudflare DNS records pointed at this host's public address",
		Version:       fmt.Sprintf("%s (%s)", Version, GitSha),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errs.Config("flags", "%v", err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "path to config file (default $XDG_CONFIG_HOME/cddns/config.yaml)")
	flags.String("token", "", "Cloudflare API token")
	flags.String("inventory", "", "path to inventory file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.verifyCommand(),
		a.listCommand(),
		a.checkCommand(),
		a.runCommand(),
		a.watchCommand(),
		a.inventoryCommand(),
		a.configCommand(),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	config.SetDefaults(v, ipresolve.DefaultIPv4URLs, ipresolve.DefaultIPv6URLs)
	cfg, err := config.Load(v, config.Sources{
		Flags:    cmd.Flags(),
		FlagKeys: flagKeys,
		File:     a.configFile,
	})
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	a.configureLog(cfg.Log.Level, cfg.Log.Env)
	a.cfg = cfg
	return nil
}

func (a *app) inventory() (*inventory.Inventory, error) {
	return inventory.Load(a.cfg.Inventory.Path)
}

func (a *app) provider() (provider.Provider, error) {
	if err := a.cfg.RequireToken(); err != nil {
		return nil, err
	}
	return a.newProvider(a.cfg, a.metrics)
}

func newCloudflare(cfg *config.Config, m *metrics.Metrics) (provider.Provider, error) {
	return cloudflare.New(cfg.Token, cfg.Provider, m)
}

func newResolver(cfg *config.Config, m *metrics.Metrics) (ipresolve.Resolver, error) {
	web, err := ipresolve.Web(cfg.Resolver.IPv4URLs, cfg.Resolver.IPv6URLs,
		ipresolve.WithTimeout(cfg.Resolver.Timeout),
		ipresolve.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	static, err := ipresolve.FromStrings(cfg.Resolver.IPv4, cfg.Resolver.IPv6)
	if err != nil {
		return nil, err
	}
	return ipresolve.Override(static, web), nil
}
