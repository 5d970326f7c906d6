package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aklyachkin/syncwire/client"
)

var (
	adminURL    string
	adminStore  string
	adminSecret string
)

var resetStoreCmd = &cobra.Command{
	Use:   "reset-store",
	Short: "Destructively clear a store's event log on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dial := client.NewWebSocketDialer(adminURL, adminStore, nil)
		if err := client.ResetStore(cmd.Context(), dial, adminSecret); err != nil {
			return err
		}
		fmt.Printf("store %q reset\n", adminStore)
		return nil
	},
}

var storeInfoCmd = &cobra.Command{
	Use:   "store-info",
	Short: "Print a store's head sequence number and connection count",
	RunE: func(cmd *cobra.Command, args []string) error {
		dial := client.NewWebSocketDialer(adminURL, adminStore, nil)
		info, err := client.StoreInfo(cmd.Context(), dial, adminSecret)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

func init() {
	for _, c := range []*cobra.Command{resetStoreCmd, storeInfoCmd} {
		c.Flags().StringVar(&adminURL, "url", "ws://127.0.0.1:8787", "server websocket base URL")
		c.Flags().StringVar(&adminStore, "store", "", "logical store id")
		c.Flags().StringVar(&adminSecret, "admin-secret", "", "admin secret")
		_ = c.MarkFlagRequired("store")
		_ = c.MarkFlagRequired("admin-secret")
		rootCmd.AddCommand(c)
	}
}
