package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cartsync/internal/config"
	"github.com/hyperengineering/cartsync/internal/types"
	"github.com/hyperengineering/cartsync/pkg/cartclient"
)

var (
	cartIDFlag     string
	cartServerFlag string
	cartLogFlag    string
	cartJSONOutput bool
	cartWait       time.Duration

	itemName       string
	itemPrice      int64
	itemKind       string
	itemCategory   string
	itemSize       string
	itemTicketType string
	itemQty        int

	historyLimit int
)

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Edit a cart from the command line",
	Long: "Edit a cart through the offline-first client. Edits are written to the local " +
		"mutation log first and synced when the server is reachable.",
}

var cartAddCmd = &cobra.Command{
	Use:   "add <item-id>",
	Short: "Add units of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCartClient(cmd, func(ctx context.Context, c *cartclient.Client) error {
			return c.AddItem(ctx, itemFromFlags(args[0]), itemQty)
		})
	},
}

var cartSetCmd = &cobra.Command{
	Use:   "set <item-id> <quantity>",
	Short: "Set the quantity of a line (0 removes it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		qty, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid quantity %q", args[1])
		}
		return withCartClient(cmd, func(ctx context.Context, c *cartclient.Client) error {
			return c.SetQuantity(ctx, itemFromFlags(args[0]), qty)
		})
	},
}

var cartRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Remove a line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCartClient(cmd, func(ctx context.Context, c *cartclient.Client) error {
			return c.RemoveItem(ctx, itemFromFlags(args[0]).Key())
		})
	},
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCartClient(cmd, func(ctx context.Context, c *cartclient.Client) error {
			return c.ClearCart(ctx)
		})
	},
}

var cartShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCartClient(cmd, nil)
	},
}

var cartSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync pending edits and wait until the cart is live",
	Args:  cobra.NoArgs,
	RunE:  runCartSync,
}

var cartPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List edits not yet confirmed by the server",
	Args:  cobra.NoArgs,
	RunE:  runCartPending,
}

var cartHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently resolved edits",
	Args:  cobra.NoArgs,
	RunE:  runCartHistory,
}

func init() {
	cartCmd.PersistentFlags().StringVar(&cartIDFlag, "cart", "default", "Cart ID")
	cartCmd.PersistentFlags().StringVar(&cartServerFlag, "server", "",
		"Server URL (overrides config and CARTSYNC_SERVER_URL)")
	cartCmd.PersistentFlags().StringVar(&cartLogFlag, "log-path", "",
		"Local mutation log path (overrides config and CARTSYNC_CLIENT_LOG_PATH)")
	cartCmd.PersistentFlags().BoolVar(&cartJSONOutput, "json", false, "Output in JSON format")
	cartCmd.PersistentFlags().DurationVar(&cartWait, "wait", 5*time.Second,
		"How long to wait for the server before reporting queued edits")

	for _, c := range []*cobra.Command{cartAddCmd, cartSetCmd, cartRemoveCmd} {
		c.Flags().StringVar(&itemSize, "size", "", "Variant size")
		c.Flags().StringVar(&itemTicketType, "ticket-type", "", "Variant ticket type")
	}
	for _, c := range []*cobra.Command{cartAddCmd, cartSetCmd} {
		c.Flags().StringVar(&itemName, "name", "", "Display name")
		c.Flags().Int64Var(&itemPrice, "price", 0, "Unit price in minor units (4990 = 49.90)")
		c.Flags().StringVar(&itemKind, "kind", string(types.KindProduct), "Item kind: product or ticket")
		c.Flags().StringVar(&itemCategory, "category", "", "Item category")
	}
	cartAddCmd.Flags().IntVar(&itemQty, "qty", 1, "Units to add")
	cartHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries")

	cartCmd.AddCommand(cartAddCmd)
	cartCmd.AddCommand(cartSetCmd)
	cartCmd.AddCommand(cartRemoveCmd)
	cartCmd.AddCommand(cartClearCmd)
	cartCmd.AddCommand(cartShowCmd)
	cartCmd.AddCommand(cartSyncCmd)
	cartCmd.AddCommand(cartPendingCmd)
	cartCmd.AddCommand(cartHistoryCmd)
}

func itemFromFlags(itemID string) types.LineItem {
	return types.LineItem{
		ItemID:    itemID,
		Kind:      types.ItemKind(itemKind),
		Variant:   types.Variant{Size: itemSize, TicketType: itemTicketType},
		Name:      itemName,
		Category:  itemCategory,
		UnitPrice: types.Money(itemPrice),
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// openCartClient opens a client from config with flag overrides applied.
func openCartClient(ctx context.Context, cmd *cobra.Command) (*cartclient.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	serverURL := cfg.Client.ServerURL
	if cartServerFlag != "" {
		serverURL = cartServerFlag
	}
	logPath := cfg.Client.LogPath
	if cartLogFlag != "" {
		logPath = cartLogFlag
	}
	logPath, err = expandHome(logPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	c, err := cartclient.Open(ctx, cartclient.Config{
		ServerURL:      serverURL,
		APIKey:         cfg.Auth.APIKey,
		CartID:         types.CartID(cartIDFlag),
		LogPath:        logPath,
		ClientID:       cfg.Client.ClientID,
		Rules:          rulesFromConfig(cfg.Cart),
		GraceWindow:    time.Duration(cfg.Client.GraceWindow),
		PingInterval:   time.Duration(cfg.Client.PingInterval),
		InitialBackoff: time.Duration(cfg.Client.InitialBackoff),
		MaxBackoff:     time.Duration(cfg.Client.MaxBackoff),
		Logger:         newLogger(cmd.ErrOrStderr(), cfg.Log),
	})
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// withCartClient opens a client, runs fn, waits up to --wait for the edit
// to sync, and prints the cart. Edits that cannot reach the server stay
// queued in the local log.
func withCartClient(cmd *cobra.Command, fn func(ctx context.Context, c *cartclient.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c, cfg, err := openCartClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		mu       sync.Mutex
		rejected []cartclient.RejectedMutation
		fatal    error
	)
	c.OnMutationRejected(func(r cartclient.RejectedMutation) {
		mu.Lock()
		defer mu.Unlock()
		rejected = append(rejected, r)
	})
	c.OnError(func(e cartclient.ErrorEvent) {
		if e.Fatal {
			mu.Lock()
			defer mu.Unlock()
			fatal = e.Err
		}
	})

	if fn != nil {
		if err := fn(ctx, c); err != nil {
			return err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cartWait)
	defer cancel()
	synced := c.WaitSynced(waitCtx) == nil

	if err := c.Close(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if fatal != nil {
		return fmt.Errorf("sync stopped: %w", fatal)
	}

	out := cmd.OutOrStdout()
	for _, r := range rejected {
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected: %s %s (%s)\n", r.Mutation.Kind, r.Mutation.Key, r.Reason)
	}
	if !synced {
		fmt.Fprintf(cmd.ErrOrStderr(), "offline: %d edit(s) queued locally\n", c.Metrics().Pending)
	}
	return printState(out, c.CurrentState(), cfg.Cart.Currency)
}

func runCartSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, _, err := openCartClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, cartWait)
	defer cancel()
	if err := c.WaitSynced(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("cart not synced after %s: %d edit(s) pending", cartWait, c.Metrics().Pending)
		}
		return err
	}

	m := c.Metrics()
	if cartJSONOutput {
		return printJSON(cmd.OutOrStdout(), m)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cart %q synced at version %d\n", c.CartID(), c.CurrentState().Version)
	return nil
}

func runCartPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, _, err := openCartClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	pending, err := c.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	if cartJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"pending": pending,
			"total":   len(pending),
		})
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending edits.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQ\tKIND\tKEY\tQTY\tATTEMPTS")
	for _, m := range pending {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", m.Seq, m.Kind, m.Key, m.Quantity, m.Attempts)
	}
	return w.Flush()
}

func runCartHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, _, err := openCartClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.History(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	if cartJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"history": entries,
			"total":   len(entries),
		})
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No history.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQ\tKIND\tKEY\tQTY\tSTATE\tREASON")
	for _, e := range entries {
		reason := e.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", e.Seq, e.Kind, e.Key, e.Quantity, e.SyncState, reason)
	}
	return w.Flush()
}

func printState(w io.Writer, s types.CartState, currency string) error {
	if cartJSONOutput {
		return printJSON(w, s)
	}
	if len(s.LineItems) == 0 {
		fmt.Fprintf(w, "Cart %q is empty (version %d)\n", s.CartID, s.Version)
		return nil
	}

	tw := newTabWriter(w)
	fmt.Fprintln(tw, "ITEM\tVARIANT\tNAME\tQTY\tUNIT\tLINE")
	for _, l := range s.LineItems {
		variant := l.Variant.Size + l.Variant.TicketType
		if variant == "" {
			variant = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			l.ItemID, variant, l.Name, l.Quantity, l.UnitPrice, l.UnitPrice*types.Money(l.Quantity))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nSubtotal: %s %s\n", s.Totals.Subtotal, currency)
	fmt.Fprintf(w, "Shipping: %s %s\n", s.Totals.Shipping, currency)
	fmt.Fprintf(w, "Total:    %s %s\n", s.Totals.GrandTotal, currency)
	fmt.Fprintf(w, "Version %d, %d pending\n", s.Version, s.Pending)
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
