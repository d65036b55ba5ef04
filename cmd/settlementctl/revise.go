package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pg_settlement/internal/application/settlement"
	"pg_settlement/internal/infrastructure/http/easypay"
)

func reviseCmd() *cobra.Command {
	var (
		typeCode    string
		subTypeCode string
		amount      int64
		message     string
	)

	cmd := &cobra.Command{
		Use:   "revise [shop-order-no]",
		Short: "Cancel or refund a paid order",
		Long: `Send a revise request for a paid order. Type code 40 cancels the
whole payment; any other code records the order as refunded.

Examples:
  settlementctl revise 20261019120000123
  settlementctl revise 20261019120000123 --type 32 --amount 5000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer app.Close(ctx)

			rc := settlement.ReviseCommand{
				ShopOrderNo:       args[0],
				ReviseTypeCode:    typeCode,
				ReviseSubTypeCode: subTypeCode,
				ClientIP:          "127.0.0.1",
				Message:           message,
			}
			if cmd.Flags().Changed("amount") {
				if amount <= 0 {
					return fmt.Errorf("--amount must be positive")
				}
				rc.Amount = &amount
			}

			res, err := app.Settlement.Revise(ctx, rc)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&typeCode, "type", easypay.ReviseFullCancel, "revise type code")
	cmd.Flags().StringVar(&subTypeCode, "sub-type", "", "revise sub type code")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to cancel or refund")
	cmd.Flags().StringVar(&message, "message", "", "reason sent to the gateway")

	return cmd
}
