package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/m20pro/m20kit/pkg/arm"
	"github.com/m20pro/m20kit/pkg/can"
	"github.com/spf13/cobra"
)

var (
	feedbackTimeout time.Duration
	moveSpeed       uint8
)

var armCmd = &cobra.Command{
	Use:   "arm",
	Short: "Piper arm over CAN",
}

var armStatusCmd = &cobra.Command{
	Use:   "status [channel]",
	Short: "Print arm status, joint angles and gripper state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		busArgs := cfg.CAN.Args()
		if len(args) == 1 {
			busArgs[can.KeyChannel] = args[0]
		}
		return armStatus(cmd.Context(), cmd.OutOrStdout(), busArgs)
	},
}

var armMoveCmd = &cobra.Command{
	Use:   "move <j1> <j2> <j3> <j4> <j5> <j6>",
	Short: "Move joints to the given angles in degrees",
	Args:  cobra.ExactArgs(arm.NbJoints),
	RunE: func(cmd *cobra.Command, args []string) error {
		var angles [arm.NbJoints]float64
		for i, arg := range args {
			angle, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("joint %d : %w", i+1, err)
			}
			angles[i] = angle
		}
		a, err := connectArm(cmd.Context(), cfg.CAN.Args())
		if err != nil {
			return err
		}
		defer a.Disconnect()
		return a.MoveJ(angles, moveSpeed)
	},
}

func init() {
	armCmd.PersistentFlags().DurationVarP(&feedbackTimeout, "timeout", "t", 3*time.Second, "time to wait for arm feedback")
	armMoveCmd.Flags().Uint8VarP(&moveSpeed, "speed", "s", arm.DefaultSpeedPct, "speed in percent")
	armCmd.AddCommand(armStatusCmd, armMoveCmd)
	rootCmd.AddCommand(armCmd)
}

func connectArm(ctx context.Context, busArgs can.Args) (*arm.Arm, error) {
	a := arm.New(busFactory())
	ctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()
	if err := a.Connect(ctx, busArgs); err != nil {
		_ = a.Disconnect()
		return nil, err
	}
	return a, nil
}

func armStatus(ctx context.Context, out io.Writer, busArgs can.Args) error {
	a, err := connectArm(ctx, busArgs)
	if err != nil {
		return err
	}
	defer a.Disconnect()
	// Feedback frames are sent cyclically, leave time for a full set
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	if status, ok := a.Status(); ok {
		fmt.Fprintf(out, "%v %v\n", green("status"), status)
		if joints := status.JointErrors(); len(joints) > 0 {
			fmt.Fprintf(out, "%v joints %v\n", red("errors"), joints)
		}
	} else {
		fmt.Fprintf(out, "%v no status received\n", yellow("status"))
	}
	if joints, ok := a.Joints(); ok {
		fmt.Fprintf(out, "%v", green("joints"))
		for i, angle := range joints {
			fmt.Fprintf(out, " j%d=%.3f°", i+1, angle)
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintf(out, "%v incomplete joint feedback\n", yellow("joints"))
	}
	if gripper, ok := a.Gripper(); ok {
		fmt.Fprintf(out, "%v stroke=%.3fmm effort=%.3fN·m status=%#02x\n", green("gripper"), gripper.StrokeMm, gripper.EffortNm, gripper.Status)
	}
	return nil
}
