package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	defaultServerURL      = "http://localhost:8080"
	defaultLogLevel       = "info"
	defaultRequestTimeout = 10 * time.Second
)

var k = koanf.New(".")

type options struct {
	fs      afero.Fs
	logger  zerolog.Logger
	server  string
	timeout time.Duration
}

func initConfig(opts *options, flagSet *pflag.FlagSet) error {
	// defaults
	defaults := map[string]interface{}{
		"server":    defaultServerURL,
		"log-level": defaultLogLevel,
		"timeout":   defaultRequestTimeout.String(),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return fmt.Errorf("error loading defaults: %w", err)
	}

	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".config", "presctl", "config.yaml"),
		"config.yaml",
	}
	if flagSet != nil {
		if cfgPath, _ := flagSet.GetString("config"); cfgPath != "" {
			if exists, _ := afero.Exists(opts.fs, cfgPath); !exists {
				return fmt.Errorf("config file does not exist: %s", cfgPath)
			}
			paths = []string{cfgPath}
		}
	}
	for _, p := range paths {
		if exists, _ := afero.Exists(opts.fs, p); exists {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return fmt.Errorf("error reading config %s: %w", p, err)
			}
			break
		}
	}

	if flagSet != nil {
		if err := k.Load(posflag.Provider(flagSet, ".", k), nil); err != nil {
			return fmt.Errorf("error loading flags: %w", err)
		}
	}

	envOpts := env.Provider("PRESCTL_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "PRESCTL_")),
			"_",
			"-",
		)
	})
	if err := k.Load(envOpts, nil); err != nil {
		return fmt.Errorf("error loading env: %w", err)
	}

	lvl, err := zerolog.ParseLevel(k.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	opts.logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(lvl)
	opts.server = k.String("server")
	opts.timeout = k.Duration("timeout")

	return nil
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "presctl",
		Short: "Presentation collaboration CLI",
		Long: `presctl previews, joins and exports collaborative presentation
editing sessions.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(opts, cmd.Root().PersistentFlags())
		},
	}

	rootCmd.PersistentFlags().StringP(
		"server",
		"s",
		defaultServerURL,
		"presentation server base URL (http or https)",
	)
	rootCmd.PersistentFlags().StringP(
		"log-level",
		"l",
		defaultLogLevel,
		"log level",
	)
	rootCmd.PersistentFlags().Duration(
		"timeout",
		defaultRequestTimeout,
		"REST request timeout (e.g. 5s, 1m)",
	)
	rootCmd.PersistentFlags().String(
		"config",
		"",
		"config file (default ~/.config/presctl/config.yaml, then ./config.yaml)",
	)

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newJoinCmd(opts),
		newExportCmd(opts),
	)
	return rootCmd
}

func main() {
	opts := &options{fs: afero.NewOsFs()}

	if err := newRootCmd(opts).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "CLI error: %v", err)
		os.Exit(1)
	}
}
