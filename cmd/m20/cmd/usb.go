package cmd

import (
	"fmt"
	"io"

	"github.com/m20pro/m20kit/pkg/can/gsusb"
	"github.com/m20pro/m20kit/pkg/usbdev"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var usbCmd = &cobra.Command{
	Use:   "usb",
	Short: "USB CAN adapter tools",
}

var usbProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "List gs_usb adapters and serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return usbProbe(cmd.OutOrStdout())
	},
}

var usbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the configured gs_usb adapter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := usbdev.Probe{}.Reset(cfg.USB.VendorID, cfg.USB.ProductID)
		if err != nil {
			return err
		}
		if dev == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%v no %04x:%04x device\n", yellow("reset"), cfg.USB.VendorID, cfg.USB.ProductID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%v %v\n", green("reset"), dev)
		return nil
	},
}

func init() {
	usbCmd.AddCommand(usbProbeCmd, usbResetCmd)
	rootCmd.AddCommand(usbCmd)
}

func usbProbe(out io.Writer) error {
	probe := usbdev.Probe{}
	dev, err := probe.Find(cfg.USB.VendorID, cfg.USB.ProductID)
	switch {
	case err != nil:
		fmt.Fprintf(out, "%v %v\n", red("redirect"), err)
	case dev == nil:
		fmt.Fprintf(out, "%v no %04x:%04x adapter, socketcan is used as is\n", yellow("redirect"), cfg.USB.VendorID, cfg.USB.ProductID)
	default:
		fmt.Fprintf(out, "%v socketcan requests go to gs_usb channel %q\n", green("redirect"), dev.Product)
	}

	devices, err := probe.List(func(vendorID uint16, productID uint16) bool {
		return gsusb.IsKnown(vendorID, productID) || (vendorID == cfg.USB.VendorID && productID == cfg.USB.ProductID)
	})
	if err != nil {
		return err
	}
	for _, dev := range devices {
		fmt.Fprintf(out, "%v %v\n", green("gs_usb"), dev)
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("listing serial ports : %w", err)
	}
	for _, port := range ports {
		fmt.Fprintf(out, "%v %v\n", green("serial"), port)
	}
	return nil
}
