package cmd

import (
	"context"
	"errors"
	"io/fs"

	"github.com/m20pro/m20kit/pkg/can"
	"github.com/m20pro/m20kit/pkg/config"
	"github.com/m20pro/m20kit/pkg/usbdev"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// Bus backends available to the factory
	_ "github.com/m20pro/m20kit/pkg/can/gsusb"
	_ "github.com/m20pro/m20kit/pkg/can/slcan"
	_ "github.com/m20pro/m20kit/pkg/can/socketcan"
	_ "github.com/m20pro/m20kit/pkg/can/virtual"
)

const defaultConfigPath = "m20.ini"

var (
	configPath string
	debug      bool
	component  string
	cfg        = config.Default()
)

var rootCmd = &cobra.Command{
	Use:           "m20",
	Short:         "M20 pro component test tool",
	Long:          "Runs the M20 pro component checks, interactively when no component is given",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd.Flags().Changed("config"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if component != "" {
			return runComponent(cmd.Context(), component)
		}
		choose := lineChooser(cmd.InOrStdin(), cmd.OutOrStdout())
		if isTerminal(cmd.InOrStdin()) {
			choose = promptChooser()
		}
		return runMenu(cmd.Context(), choose, cmd.OutOrStdout())
	},
}

// Execute runs the root command and returns the process exit code
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging")
	rootCmd.Flags().StringVar(&component, "component", "", "component to run: arm, usb, climate or all")
}

// The default file is optional, an explicitly given one is not
func loadConfig(explicit bool) error {
	loaded, err := config.Load(configPath)
	switch {
	case err == nil:
		cfg = loaded
	case !explicit && errors.Is(err, fs.ErrNotExist):
		log.Debugf("no %v, using defaults", configPath)
	default:
		return err
	}
	log.SetLevel(cfg.Log.Level)
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// Bus factory honouring the redirect setting
func busFactory() can.Factory {
	if !cfg.CAN.Redirect {
		return can.NewBusFromArgs
	}
	redirector := can.NewRedirector(can.NewBusFromArgs, usbdev.Probe{})
	redirector.VendorID, redirector.ProductID = cfg.USB.VendorID, cfg.USB.ProductID
	return redirector.Factory()
}
