package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/shardgate/internal/session"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Print the gateway URL, recommended shards and identify limit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cc, err := cfg.ClientConfig()
		if err != nil {
			return err
		}
		cc.SetLogger(logger)

		info, err := session.New(cc).GatewayBot(cmd.Context())
		if err != nil {
			return fmt.Errorf("get gateway: %w", err)
		}

		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
