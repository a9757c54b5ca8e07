// Package cli wires Subcommands into the s2s cobra command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zrepl/sitetosite/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "s2s",
	Short:         "site-to-site client and reference node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "",
		fmt.Sprintf("config file path (default: first of %v)", config.ConfigFileDefaultLocations))
}

type Subcommand struct {
	Use     string
	Short   string
	Example string
	// Commands that can run without a config file, e.g. version.
	NoRequireConfig  bool
	Args             cobra.PositionalArgs
	Run              func(ctx context.Context, subcommand *Subcommand, args []string) error
	SetupFlags       func(f *pflag.FlagSet)
	SetupSubcommands func() []*Subcommand

	config    *config.Config
	configErr error
}

func (s *Subcommand) ConfigParsingError() error {
	return s.configErr
}

// Config panics if the command requires a config but none was parsed.
func (s *Subcommand) Config() *config.Config {
	if !s.NoRequireConfig && s.config == nil {
		panic("command that requires config is running and has no config set")
	}
	return s.config
}

func (s *Subcommand) parseConfig() error {
	s.config, s.configErr = config.ParseConfig(rootArgs.configPath)
	if s.configErr != nil && !s.NoRequireConfig {
		return errors.Wrap(s.configErr, "could not parse config")
	}
	return nil
}

// run cancels the context passed to Run on SIGINT or SIGTERM.
func (s *Subcommand) run(cmd *cobra.Command, args []string) error {
	if err := s.parseConfig(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx, s, args)
}

func AddSubcommand(s *Subcommand) {
	rootCmd.AddCommand(s.cobraCommand())
}

func (s *Subcommand) cobraCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Args:    s.Args,
	}
	if s.SetupSubcommands == nil {
		cmd.RunE = s.run
	} else {
		for _, sub := range s.SetupSubcommands() {
			cmd.AddCommand(sub.cobraCommand())
		}
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	return cmd
}

// Run executes the command line and exits with status 1 on error.
func Run() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
