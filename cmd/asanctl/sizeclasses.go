package main

import (
	"strconv"

	"github.com/rzguard/redzone/sizeclass"
	"github.com/spf13/cobra"
)

var sizeClassesLimit uint8

func init() {
	cmd := newSizeClassesCmd()
	cmd.Flags().Uint8Var(&sizeClassesLimit, "limit", 40, "highest class to print")
	rootCmd.AddCommand(cmd)
}

func newSizeClassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sizeclasses [bytes]",
		Short: "Print the size-class table, or classify one request",
		Long: `With no argument, sizeclasses prints class_of/bytes_of for every class up
to --limit. Given a byte count, it prints only the class that count maps to
and the exact footprint that class provides.

Example:
  asanctl sizeclasses
  asanctl sizeclasses 100000000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSizeClasses(args)
		},
	}
	return cmd
}

type sizeClassRow struct {
	Class uint8  `json:"class"`
	Bytes uint64 `json:"bytes"`
}

func runSizeClasses(args []string) error {
	table := sizeclass.New(sizeclass.Default)

	if len(args) == 1 {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}
		class := table.ClassOf(n)
		row := sizeClassRow{Class: class, Bytes: table.BytesOf(class)}
		if jsonOut {
			return printJSON(row)
		}
		printInfo("%d bytes -> class %d -> %d-byte chunk\n", n, row.Class, row.Bytes)
		return nil
	}

	var rows []sizeClassRow
	for c := uint8(0); c <= sizeClassesLimit; c++ {
		rows = append(rows, sizeClassRow{Class: c, Bytes: table.BytesOf(c)})
	}

	if jsonOut {
		return printJSON(rows)
	}

	printInfo("%-8s%s\n", "class", "bytes")
	for _, r := range rows {
		printInfo("%-8d%d\n", r.Class, r.Bytes)
	}
	return nil
}
