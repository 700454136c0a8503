// Package cli wraps a *bztree.BzTree in a cobra command tree, generalizing
// the teacher's bufio.Scanner REPL (btree/cli) into scriptable
// set/get/del/range/dump/bench subcommands suited to both interactive use
// and shell scripting.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"bztree/bztree"
)

// New builds the root command for tree; each subcommand writes its results
// to the command's output stream (cmd.OutOrStdout()).
func New(tree *bztree.BzTree) *cobra.Command {
	root := &cobra.Command{
		Use:   "bztree",
		Short: "Inspect and exercise a BzTree instance",
	}
	root.AddCommand(
		newSetCmd(tree),
		newGetCmd(tree),
		newDelCmd(tree),
		newRangeCmd(tree),
		newDumpCmd(tree),
		newBenchCmd(tree),
	)
	return root
}

// payloadOf packs a uint64 payload the same way the fixed-payload
// invariant (§1) requires: callers on the command line pass decimal
// integers, since the tree itself has no notion of a string value.
func payloadOf(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func newSetCmd(tree *bztree.BzTree) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <payload>",
		Short: "Insert a key/payload pair, or update it if the key already exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadOf(args[1])
			if err != nil {
				return fmt.Errorf("payload must be an unsigned integer: %w", err)
			}
			kind := tree.Upsert([]byte(args[0]), payload)
			fmt.Fprintln(cmd.OutOrStdout(), kind)
			return nil
		},
	}
}

func newGetCmd(tree *bztree.BzTree) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read the payload for key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, kind := tree.Read([]byte(args[0]))
			if kind != bztree.Ok {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.Payload)
			return nil
		},
	}
}

func newDelCmd(tree *bztree.BzTree) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := tree.Delete([]byte(args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), kind)
			return nil
		},
	}
}

func newRangeCmd(tree *bztree.BzTree) *cobra.Command {
	return &cobra.Command{
		Use:   "range <lo> <hi>",
		Short: "List every visible (key, payload) pair with key in [lo, hi]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, rec := range tree.RangeScan([]byte(args[0]), []byte(args[1])) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", rec.Key, rec.Payload)
			}
			return nil
		},
	}
}

func newDumpCmd(tree *bztree.BzTree) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Render the tree's node and slot structure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, line := range splitLines(tree.Dump()) {
				if len(line) > 0 && line[0] != ' ' {
					color.New(color.FgCyan, color.Bold).Fprintln(cmd.OutOrStdout(), line)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
			}
			return nil
		},
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
