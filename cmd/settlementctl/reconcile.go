package main

import (
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var shopOrderNo string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare local orders with the gateway and repair drift",
		Long: `Run one reconciliation pass over pending and paid orders in the
configured age window, or reconcile a single order with --order.

Examples:
  settlementctl reconcile
  settlementctl reconcile --order 20261019120000123`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer app.Close(ctx)

			if shopOrderNo != "" {
				out, err := app.Reconcile.ReconcileByShopOrderNo(ctx, shopOrderNo)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"shop_order_no": out.ShopOrderNo,
					"previous":      out.Previous,
					"status":        out.Status,
					"flag":          out.Flag,
					"changed":       out.Changed,
					"stale":         out.Stale,
				})
			}

			sum, err := app.Reconcile.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().StringVar(&shopOrderNo, "order", "", "reconcile only this shop order number")

	return cmd
}
