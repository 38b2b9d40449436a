package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

type menuEntry struct {
	key   string
	label string
	run   func(ctx context.Context, out io.Writer) error
}

var components = []menuEntry{
	{"1", "arm", func(ctx context.Context, out io.Writer) error {
		return armStatus(ctx, out, cfg.CAN.Args())
	}},
	{"2", "usb", func(ctx context.Context, out io.Writer) error {
		return usbProbe(out)
	}},
	{"3", "climate", func(ctx context.Context, out io.Writer) error {
		return climateReport(ctx, out, "")
	}},
}

func findComponent(name string) (menuEntry, bool) {
	for _, entry := range components {
		if entry.label == name || entry.key == name {
			return entry, true
		}
	}
	return menuEntry{}, false
}

// Run a single component by name, "all" runs every component concurrently
func runComponent(ctx context.Context, name string) error {
	if name != "all" {
		entry, ok := findComponent(name)
		if !ok {
			return fmt.Errorf("unknown component %q", name)
		}
		return entry.run(ctx, os.Stdout)
	}
	return runAll(ctx, os.Stdout, components)
}

// Outputs are buffered per component and printed in menu order
func runAll(ctx context.Context, out io.Writer, entries []menuEntry) error {
	outputs := make([]bytes.Buffer, len(entries))
	errs := make([]error, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			errs[i] = entry.run(ctx, &outputs[i])
			return nil
		})
	}
	_ = g.Wait()
	var failed []string
	for i, entry := range entries {
		fmt.Fprintf(out, "== %v ==\n", entry.label)
		_, _ = outputs[i].WriteTo(out)
		if errs[i] != nil {
			fmt.Fprintf(out, "%v %v\n", red("error"), errs[i])
			failed = append(failed, entry.label)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed components : %v", strings.Join(failed, ", "))
	}
	return nil
}

func printMenu(out io.Writer) {
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintln(out, "M20 pro component test")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	for _, entry := range components {
		fmt.Fprintf(out, "%v. %v\n", entry.key, entry.label)
	}
	fmt.Fprintln(out, "0. exit")
}

// chooser returns the next menu choice, io.EOF ends the menu
type chooser func() (string, error)

// Numbered menu read line by line
func lineChooser(in io.Reader, out io.Writer) chooser {
	scanner := bufio.NewScanner(in)
	return func() (string, error) {
		printMenu(out)
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}
}

// Arrow key selection, used when stdin is a terminal
func promptChooser() chooser {
	items := make([]string, 0, len(components)+1)
	for _, entry := range components {
		items = append(items, entry.label)
	}
	items = append(items, "exit")
	return func() (string, error) {
		prompt := promptui.Select{
			Label:    "M20 pro component test",
			Items:    items,
			HideHelp: true,
		}
		i, _, err := prompt.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if i >= len(components) {
			return "0", nil
		}
		return components[i].key, nil
	}
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// Interactive menu, component errors are printed and the menu shown again
func runMenu(ctx context.Context, choose chooser, out io.Writer) error {
	for {
		choice, err := choose()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if choice == "0" || choice == "q" {
			return nil
		}
		entry, ok := findComponent(choice)
		if !ok {
			fmt.Fprintf(out, "%v invalid choice %q\n", yellow("menu"), choice)
			continue
		}
		if err := entry.run(ctx, out); err != nil {
			fmt.Fprintf(out, "%v %v\n", red("error"), err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
