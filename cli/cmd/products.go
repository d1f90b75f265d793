package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/internal/seeder"
	"github.com/telhawk-systems/backbone/cli/pkg/output"
)

var productsCmd = &cobra.Command{
	Use:     "products",
	Aliases: []string{"product"},
	Short:   "Browse the catalog",
}

var productsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List products",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		products, err := c.ListProducts(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list products: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), products); handled {
			return err
		}

		table := output.NewTable([]string{"ID", "SKU", "Name", "Price", "Stock"})
		for _, p := range products {
			table.AddRow([]string{p.ID, p.SKU, p.Name, formatCents(p.PriceCents), strconv.Itoa(p.Stock)})
		}
		table.Render()
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate development data",
}

var seedProductsCmd = &cobra.Command{
	Use:   "products",
	Short: "Create fake products (staff)",
	Long: `Create fake products through the gateway. Requires a staff or admin profile.

Example:
  bbctl seed products --count 50 --seed 42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := seeder.DefaultConfig()
		sc.Count, _ = cmd.Flags().GetInt("count")
		sc.MaxStock, _ = cmd.Flags().GetInt("max-stock")
		sc.Seed, _ = cmd.Flags().GetInt64("seed")

		c, err := authedClient(cmd)
		if err != nil {
			return err
		}
		res, err := seeder.Run(cmd.Context(), c, sc, func(i int, err error) {
			output.Warn("product %d: %v", i+1, err)
		})
		if err != nil {
			return err
		}

		if handled, err := output.Structured(outputFormat(cmd), res.Created); handled {
			return err
		}
		output.Success("Created %d products (%d failed)", len(res.Created), res.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(productsCmd)
	productsCmd.AddCommand(productsListCmd)
	productsListCmd.Flags().Int("limit", 50, "maximum products to list")
	productsListCmd.Flags().Int("offset", 0, "products to skip")

	rootCmd.AddCommand(seedCmd)
	seedCmd.AddCommand(seedProductsCmd)
	seedProductsCmd.Flags().IntP("count", "c", 20, "number of products")
	seedProductsCmd.Flags().Int("max-stock", 100, "maximum initial stock per product")
	seedProductsCmd.Flags().Int64("seed", 0, "random seed (0: random)")
}
