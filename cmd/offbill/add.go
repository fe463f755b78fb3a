package main

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/offbill/offbill/repo"
)

var customerCmd = &cobra.Command{
	Use:   "customer",
	Short: "Manage local customers",
}

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Manage local invoices",
}

func init() {
	customerAdd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a customer locally (synced on the next run)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			phone, _ := cmd.Flags().GetString("phone")
			email, _ := cmd.Flags().GetString("email")
			address, _ := cmd.Flags().GetString("address")
			c, err := app.AddCustomer(cmd.Context(), repo.CustomerInput{
				Name: args[0], Phone: phone, Email: email, Address: address,
			})
			if err != nil {
				return err
			}
			fmt.Println(c.LocalID)
			return nil
		},
	}
	customerAdd.Flags().String("phone", "", "phone number")
	customerAdd.Flags().String("email", "", "email address")
	customerAdd.Flags().String("address", "", "postal address")
	customerCmd.AddCommand(customerAdd)

	invoiceAdd := &cobra.Command{
		Use:   "add <customer-id>",
		Short: "Create a one-line invoice locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			qtyStr, _ := cmd.Flags().GetString("qty")
			priceStr, _ := cmd.Flags().GetString("price")
			desc, _ := cmd.Flags().GetString("description")
			qty, err := decimal.NewFromString(qtyStr)
			if err != nil {
				return fmt.Errorf("invalid qty %q: %w", qtyStr, err)
			}
			price, err := decimal.NewFromString(priceStr)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", priceStr, err)
			}

			inv, err := app.AddInvoice(cmd.Context(),
				repo.InvoiceInput{CustomerID: args[0]},
				[]repo.ItemInput{{Description: desc, Qty: qty, UnitPrice: price}},
				nil)
			if err != nil {
				return err
			}
			fmt.Printf("%s total=%s\n", inv.LocalID, inv.GrandTotal)
			return nil
		},
	}
	invoiceAdd.Flags().String("qty", "1", "quantity")
	invoiceAdd.Flags().String("price", "0", "unit price")
	invoiceAdd.Flags().String("description", "", "line description")
	invoiceCmd.AddCommand(invoiceAdd)

	invoiceShow := &cobra.Command{
		Use:   "show <server-id>",
		Short: "Fetch the server-side detail of a pushed invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid server id %q: %w", args[0], err)
			}
			app, cleanup, err := openApp()
			if err != nil {
				return err
			}
			defer cleanup()

			raw, err := app.FetchInvoice(cmd.Context(), serverID)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	}
	invoiceCmd.AddCommand(invoiceShow)
}
