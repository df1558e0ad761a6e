package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"garden-hub/internal/recommend"
	"garden-hub/internal/store"
)

// newCompileCmd dry-runs the schedule parser: nothing is stored or sent.
func newCompileCmd() *cobra.Command {
	var device, action string
	cmd := &cobra.Command{
		Use:   `compile "<schedule text>"`,
		Short: "Show the rules a recommendation schedule would produce",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := store.ParseDevice(device)
			if err != nil {
				return err
			}
			if !dev.Schedulable() {
				return fmt.Errorf("device %s cannot be scheduled", dev)
			}
			var on recommend.Switch
			if err := json.Unmarshal([]byte(strconv.Quote(action)), &on); err != nil {
				return err
			}
			return printCompiled(cmd, dev, bool(on), strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&device, "device", "pump", "Target device: fan, light or pump")
	cmd.Flags().StringVar(&action, "action", "on", "Action: on/off, true/false, bật/tắt")
	return cmd
}

func printCompiled(cmd *cobra.Command, dev store.Device, on bool, text string) error {
	out := cmd.OutOrStdout()
	rules, sched, err := recommend.Rules(dev, on, text, "cli")
	if sched != nil && sched.Negative {
		fmt.Fprintln(out, "negative advice: no rules")
		return nil
	}
	for _, r := range rules {
		fmt.Fprintf(out, "%s %s %02d:%02d days=%v\n", r.Device, store.ActionFor(r.Device, r.Action), r.Hour, r.Minute, r.Days)
	}
	if sched != nil && len(sched.Failed) > 0 {
		fmt.Fprintf(out, "unparsed: %s\n", strings.Join(sched.Failed, ", "))
	}
	return err
}
