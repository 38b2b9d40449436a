package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/m20pro/m20kit/pkg/can"
	"github.com/spf13/cobra"
)

var (
	yellow = color.New(color.FgHiYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

var canCmd = &cobra.Command{
	Use:   "can",
	Short: "Raw CAN bus access",
}

var canDumpCmd = &cobra.Command{
	Use:   "dump [n]",
	Short: "Print received frames, n frames or until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 0
		if len(args) == 1 {
			var err error
			if count, err = strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("frame count : %w", err)
			}
		}
		bus, err := busFactory()(cfg.CAN.Args())
		if err != nil {
			return err
		}
		return dump(cmd.Context(), cmd.OutOrStdout(), bus, count)
	},
}

func init() {
	canCmd.AddCommand(canDumpCmd)
	rootCmd.AddCommand(canCmd)
}

type frameChan chan can.Frame

func (c frameChan) Handle(frame can.Frame) {
	select {
	case c <- frame:
	default:
	}
}

// Print frames received on bus until count frames were printed (0 = no limit)
func dump(ctx context.Context, out io.Writer, bus can.Bus, count int) error {
	frames := make(frameChan, 256)
	manager := can.NewBusManager(bus)
	manager.SubscribeAll(frames)
	if err := bus.Subscribe(manager); err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	defer bus.Disconnect()
	start := time.Now()
	for printed := 0; count == 0 || printed < count; printed++ {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			ts := yellow("%10.4f", time.Since(start).Seconds())
			if frame.ID&can.CanErrFlag != 0 {
				fmt.Fprintf(out, "%v %v\n", ts, red("%v", frame))
				continue
			}
			fmt.Fprintf(out, "%v %v\n", ts, frame)
		}
	}
	return nil
}
