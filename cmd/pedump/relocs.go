// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/saferwall/goclasses"
	"github.com/spf13/cobra"
)

var relocsCmd = &cobra.Command{
	Use:   "relocs <path>",
	Short: "List base relocation RVAs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := pe.OpenMmap(args[0], nil)
		if err != nil {
			return err
		}
		defer image.Close()

		rt, err := image.RelocationTable()
		if err != nil {
			return err
		}

		var n int
		for rva := range rt.All() {
			fmt.Printf("0x%08X\n", rva)
			n++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %d bytes on disk\n", n, rt.Size())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relocsCmd)
}
