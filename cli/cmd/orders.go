package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/internal/client"
	"github.com/telhawk-systems/backbone/cli/pkg/output"
)

var ordersCmd = &cobra.Command{
	Use:     "orders",
	Aliases: []string{"order"},
	Short:   "Place and inspect orders",
}

var ordersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Place an order",
	Long: `Place an order. Each --line is product_id:quantity:unit_price_cents.

An idempotency key is generated unless --idempotency-key is given, so a
retried command never creates a second order.

Example:
  bbctl orders create --line 0190c6e2-...:2:1500 --line 0190c6e3-...:1:999`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("line")
		lines, err := parseLines(raw)
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("idempotency-key")
		if key == "" {
			key = uuid.NewString()
		}

		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		order, created, err := c.CreateOrder(cmd.Context(), lines, key)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		if handled, err := output.Structured(outputFormat(cmd), order); handled {
			return err
		}
		if created {
			output.Success("Order %s created", order.ID)
		} else {
			output.Info("Order %s already exists for key %s", order.ID, key)
		}
		printOrder(order)
		return nil
	},
}

var ordersGetCmd = &cobra.Command{
	Use:   "get [order-id]",
	Short: "Show an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		order, err := c.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get order: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), order); handled {
			return err
		}
		printOrder(order)
		return nil
	},
}

var ordersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List orders",
	Long:    "List your orders. Staff and administrators see every order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		orders, err := c.ListOrders(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list orders: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), orders); handled {
			return err
		}

		table := output.NewTable([]string{"ID", "Status", "Lines", "Total", "Created"})
		for _, o := range orders {
			table.AddRow([]string{
				o.ID,
				o.Status,
				strconv.Itoa(len(o.Lines)),
				formatCents(o.TotalCents),
				o.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		table.Render()
		return nil
	},
}

func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [order-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := authedClient(cmd)
			if err != nil {
				return err
			}
			order, err := c.Transition(cmd.Context(), args[0], action)
			if err != nil {
				return fmt.Errorf("failed to %s order: %w", action, err)
			}
			if handled, err := output.Structured(outputFormat(cmd), order); handled {
				return err
			}
			output.Success("Order %s is %s", order.ID, order.Status)
			return nil
		},
	}
}

// parseLines parses product_id:quantity:unit_price_cents flags.
func parseLines(raw []string) ([]client.OrderLine, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --line is required")
	}
	lines := make([]client.OrderLine, 0, len(raw))
	for _, line := range raw {
		parts := strings.Split(line, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid line %q: want product_id:quantity:unit_price_cents", line)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid quantity in line %q", line)
		}
		price, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("invalid unit price in line %q", line)
		}
		lines = append(lines, client.OrderLine{ProductID: parts[0], Quantity: qty, UnitPriceCents: price})
	}
	return lines, nil
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func printOrder(o *client.Order) {
	output.Info("ID:       %s", o.ID)
	output.Info("Status:   %s", o.Status)
	if o.Reason != "" {
		output.Info("Reason:   %s", o.Reason)
	}
	output.Info("Total:    %s", formatCents(o.TotalCents))
	table := output.NewTable([]string{"Product", "Qty", "Unit Price"})
	for _, l := range o.Lines {
		table.AddRow([]string{l.ProductID, strconv.Itoa(l.Quantity), formatCents(l.UnitPriceCents)})
	}
	table.Render()
}

func init() {
	rootCmd.AddCommand(ordersCmd)
	ordersCmd.AddCommand(ordersCreateCmd)
	ordersCmd.AddCommand(ordersGetCmd)
	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(transitionCmd("confirm", "Confirm a reserved order (staff)"))
	ordersCmd.AddCommand(transitionCmd("ship", "Ship a confirmed order (staff)"))
	ordersCmd.AddCommand(transitionCmd("cancel", "Cancel an order"))

	ordersCreateCmd.Flags().StringArray("line", nil, "order line product_id:quantity:unit_price_cents (repeatable)")
	ordersCreateCmd.Flags().String("idempotency-key", "", "idempotency key (default: random)")

	ordersListCmd.Flags().Int("limit", 50, "maximum orders to list")
	ordersListCmd.Flags().Int("offset", 0, "orders to skip")
}
