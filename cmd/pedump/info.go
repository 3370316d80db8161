// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/saferwall/goclasses"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print DOS/NT/optional headers and the section table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := pe.OpenMmap(args[0], nil)
		if err != nil {
			return err
		}
		defer image.Close()

		fmt.Print(image.Info())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
