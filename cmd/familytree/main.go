// Command familytree is the terminal client for the family tree service.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/familytree/internal/credential"
	"github.com/nhle/familytree/internal/logger"
	"github.com/nhle/familytree/internal/model"
)

const serviceName = "familytree"

// credentialOpener returns the session store used by commands.
type credentialOpener func(cfg *model.AppConfig) (credential.Store, error)

// root carries state shared by every subcommand once the persistent
// pre-run has loaded the configuration.
type root struct {
	cfgPath   string
	debug     bool
	cfg       *model.AppConfig
	log       zerolog.Logger
	openCreds credentialOpener
	out       io.Writer
}

func main() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// NewRootCmd constructs the root CLI command backed by the system keyring.
func NewRootCmd() *cobra.Command {
	return newRootCmd(func(*model.AppConfig) (credential.Store, error) {
		return credential.OpenKeyring("")
	})
}

func newRootCmd(openCreds credentialOpener) *cobra.Command {
	r := &root{openCreds: openCreds, log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Family tree client: sessions, notifications and live updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			r.out = cmd.OutOrStdout()

			cfg, err := model.LoadConfig(r.cfgPath)
			if err != nil {
				return err
			}
			r.cfg = cfg

			level := cfg.Log.Level
			if r.debug {
				level = "debug"
			}
			r.log = logger.Console(serviceName, level)
			r.log.Debug().Str("config", r.cfgPath).Str("api", cfg.API.BaseURL).Msg("configuration loaded")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&r.cfgPath, "config", model.DefaultConfigPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&r.debug, "debug", "d", false, "Enable verbose debug output")

	rootCmd.AddCommand(newLoginCmd(r))
	rootCmd.AddCommand(newSignupCmd(r))
	rootCmd.AddCommand(newLogoutCmd(r))
	rootCmd.AddCommand(newWhoamiCmd(r))
	rootCmd.AddCommand(newStatusCmd(r))
	rootCmd.AddCommand(newNotificationsCmd(r))
	rootCmd.AddCommand(newWatchCmd(r))

	return rootCmd
}
