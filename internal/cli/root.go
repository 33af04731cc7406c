package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/absfs/sealfs"
)

// app carries the state shared by all subcommands of one invocation
type app struct {
	v          *viper.Viper
	configFile string
	settings   *Settings
	fs         *sealfs.FS
}

// NewRootCommand builds the sealfs command tree
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "sealfs",
		Short: "Store files sealed to an identity on an untrusted directory",
		Long: `sealfs stores files in a host directory so that every byte read back
is verified against a tree of authentication tags. Files are either
encrypted and authenticated (full mode) or stored in plaintext and
authenticated (integrity-only mode).

Commands:
  put      Seal a local file or stdin
  get      Verify and print a sealed file
  tag      Print the authentication tag of an integrity-only file
  verify   Check every node of a sealed file
  rm       Remove a sealed file`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (default: sealfs.yaml in ., $HOME/.sealfs, /etc/sealfs)")
	flags.String("root", ".", "host directory holding sealed files")
	flags.StringP("mode", "m", "full", "protection mode (full, integrity-only)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("root", flags.Lookup("root"))
	_ = a.v.BindPFlag("mode", flags.Lookup("mode"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		a.putCmd(),
		a.getCmd(),
		a.tagCmd(),
		a.verifyCmd(),
		a.rmCmd(),
	)
	return root
}

// setup loads the configuration and opens the sealed filesystem
func (a *app) setup(cmd *cobra.Command, args []string) error {
	settings, err := LoadConfig(a.v, a.configFile)
	if err != nil {
		return err
	}
	cfg, err := settings.Config()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fs, err := sealfs.New(&dirHost{root: settings.Root}, cfg)
	if err != nil {
		return err
	}
	a.settings = settings
	a.fs = fs
	return nil
}

func (a *app) mode() (sealfs.Mode, error) {
	return ParseMode(a.settings.Mode)
}

// Execute runs the sealfs command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
