package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cartsync/internal/authority"
	"github.com/hyperengineering/cartsync/internal/config"
	"github.com/hyperengineering/cartsync/internal/types"
)

var inventoryCmd = &cobra.Command{
	Use:   "inventory",
	Short: "Manage item availability on the server",
}

var inventorySetCmd = &cobra.Command{
	Use:   "set <item-id> <available>",
	Short: "Set how many units of an item can be in any one cart",
	Args:  cobra.ExactArgs(2),
	RunE:  runInventorySet,
}

func init() {
	inventoryCmd.PersistentFlags().StringVar(&cartServerFlag, "server", "",
		"Server URL (overrides config and CARTSYNC_SERVER_URL)")
	inventorySetCmd.Flags().StringVar(&itemSize, "size", "", "Variant size")
	inventorySetCmd.Flags().StringVar(&itemTicketType, "ticket-type", "", "Variant ticket type")

	inventoryCmd.AddCommand(inventorySetCmd)
}

func runInventorySet(cmd *cobra.Command, args []string) error {
	available, err := strconv.Atoi(args[1])
	if err != nil || available < 0 {
		return fmt.Errorf("invalid availability %q", args[1])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	serverURL := cfg.Client.ServerURL
	if cartServerFlag != "" {
		serverURL = cartServerFlag
	}

	key := types.ItemKey{
		ItemID:  args[0],
		Variant: types.Variant{Size: itemSize, TicketType: itemTicketType},
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := authority.New(serverURL, cfg.Auth.APIKey).SetInventory(ctx, key, available); err != nil {
		return fmt.Errorf("set inventory: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s availability to %d\n", args[0], available)
	return nil
}
