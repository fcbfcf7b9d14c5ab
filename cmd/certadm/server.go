package main

import (
	"github.com/spf13/cobra"

	"certadm"
)

func init() {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "start certificate authority administration service",
		RunE:  func(cmd *cobra.Command, args []string) error { return certadm.Run(cmd.Context()) },
	}

	rootCmd.AddCommand(cmd)
}
