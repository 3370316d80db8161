// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/saferwall/goclasses"
	"github.com/spf13/cobra"
)

var (
	addSectionName            string
	addSectionCharacteristics uint32
	addSectionRVA             uint32
	addSectionFileOffset      uint32
	addSectionDataSize        uint32
)

var addSectionCmd = &cobra.Command{
	Use:   "add-section <path>",
	Short: "Append a new section header and grow the image to hold it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := pe.Open(args[0], nil)
		if err != nil {
			return err
		}
		defer image.Close()

		section := pe.NewSection(addSectionName, addSectionCharacteristics,
			addSectionFileOffset, 0, addSectionRVA, 0)
		if err := image.AddNewSection(&section, addSectionDataSize); err != nil {
			return err
		}

		fmt.Printf("added %s: PointerToRawData=0x%X SizeOfRawData=0x%X VirtualAddress=0x%X VirtualSize=0x%X\n",
			section.String(), section.PointerToRawData, section.SizeOfRawData, section.VirtualAddress, section.VirtualSize)
		return nil
	},
}

func init() {
	flags := addSectionCmd.Flags()
	flags.StringVar(&addSectionName, "name", "", "section name, up to 8 bytes")
	flags.Uint32Var(&addSectionCharacteristics, "characteristics", pe.ScnCntInitializedData|pe.ScnMemRead, "IMAGE_SCN_* flags")
	flags.Uint32Var(&addSectionRVA, "rva", 0, "VirtualAddress, pre-aligned to SectionAlignment")
	flags.Uint32Var(&addSectionFileOffset, "file-offset", 0, "PointerToRawData, pre-aligned to FileAlignment")
	flags.Uint32Var(&addSectionDataSize, "size", 0, "raw payload size before FileAlignment rounding")
	addSectionCmd.MarkFlagRequired("name")
	addSectionCmd.MarkFlagRequired("rva")
	addSectionCmd.MarkFlagRequired("file-offset")
	addSectionCmd.MarkFlagRequired("size")

	rootCmd.AddCommand(addSectionCmd)
}
