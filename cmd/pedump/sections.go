// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/saferwall/goclasses"
	"github.com/spf13/cobra"
)

var sectionsCmd = &cobra.Command{
	Use:   "sections <path>",
	Short: "List section headers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := pe.OpenMmap(args[0], nil)
		if err != nil {
			return err
		}
		defer image.Close()

		st, err := image.SectionTable()
		if err != nil {
			return err
		}
		for sec := range st.All() {
			fmt.Printf("%-8s VA=0x%08X VSize=0x%08X PRaw=0x%08X SRaw=0x%08X Characteristics=0x%08X\n",
				sec.String(), sec.VirtualAddress, sec.VirtualSize, sec.PointerToRawData, sec.SizeOfRawData, sec.Characteristics)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sectionsCmd)
}
