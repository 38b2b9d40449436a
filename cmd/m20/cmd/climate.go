package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/m20pro/m20kit/pkg/climate"
	"github.com/spf13/cobra"
)

var groupID string

var climateCmd = &cobra.Command{
	Use:   "climate",
	Short: "Print temperature and humidity from the cloud platform",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return climateReport(cmd.Context(), cmd.OutOrStdout(), groupID)
	},
}

func init() {
	climateCmd.Flags().StringVarP(&groupID, "group", "g", "", "only devices of this group")
	rootCmd.AddCommand(climateCmd)
}

func climateReport(ctx context.Context, out io.Writer, group string) error {
	client := climate.NewClient(cfg.Climate.BaseURL)
	token, err := client.GetToken(ctx, cfg.Climate.Login, cfg.Climate.Password)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v expires %v\n", green("token"), token.Expiration)

	groups, err := client.GetGroupList(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Fprintf(out, "%v %v (%v)\n", green("group"), g.GroupName, g.GroupID)
	}

	devices, err := client.GetRealTimeData(ctx, group)
	if err != nil {
		return err
	}
	for _, device := range devices {
		state := green("online")
		if device.Offline {
			state = red("offline")
		}
		fmt.Fprintf(out, "%v %v (addr %v) %v\n", yellow("device"), device.DeviceName, device.DeviceAddr, state)
		for _, register := range device.Registers() {
			fmt.Fprintf(out, "  %v: %v %v\n", register.RegisterName, register.Data, register.Unit)
		}
	}
	return nil
}
