package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/models"
)

var payoutsWait bool

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "Confirm and send program payouts",
}

var payoutsConfirmCmd = &cobra.Command{
	Use:   "confirm <program-id>",
	Short: "Create an invoice for a program's pending payouts",
	Args:  cobra.ExactArgs(1),
	RunE:  runPayoutsConfirm,
}

var payoutsSendCmd = &cobra.Command{
	Use:   "send <invoice-id>",
	Short: "Transfer the payouts of a ready invoice",
	Args:  cobra.ExactArgs(1),
	RunE:  runPayoutsSend,
}

var invoiceCmd = &cobra.Command{
	Use:   "invoice <invoice-id>",
	Short: "Show an invoice",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvoice,
}

func init() {
	rootCmd.AddCommand(payoutsCmd)
	payoutsCmd.AddCommand(payoutsConfirmCmd, payoutsSendCmd, invoiceCmd)

	payoutsConfirmCmd.Flags().BoolVar(&payoutsWait, "wait", false, "wait until the invoice is prepared")
	payoutsSendCmd.Flags().BoolVar(&payoutsWait, "wait", false, "wait until every payout is sent")
}

func runPayoutsConfirm(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	conf, err := c.ConfirmPayouts(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	invoice := conf.Invoice
	if payoutsWait {
		if _, err := c.WaitForRun(cmd.Context(), conf.Run.ID, 2*time.Second, nil); err != nil {
			return err
		}
		if invoice, err = c.GetInvoice(cmd.Context(), invoice.ID); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		return printJSON(out, map[string]interface{}{"invoice": invoice, "run": conf.Run})
	}
	if err := printInvoice(out, invoice); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nPreparing in run %s\n", conf.Run.ID)
	return nil
}

func runPayoutsSend(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	run, err := c.SendInvoice(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if payoutsWait {
		if run, err = c.WaitForRun(cmd.Context(), run.ID, 2*time.Second, nil); err != nil {
			return err
		}
		return printRun(cmd.OutOrStdout(), run)
	}
	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sending invoice %s in run %s\n", args[0], run.ID)
	return nil
}

func runInvoice(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	invoice, err := c.GetInvoice(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printInvoice(cmd.OutOrStdout(), invoice)
}

func printInvoice(out io.Writer, inv *models.Invoice) error {
	if isJSONOutput() {
		return printJSON(out, inv)
	}
	table := newTable(out, "Field", "Value")
	table.Append("ID", inv.ID)
	table.Append("Program", inv.ProgramID)
	table.Append("Status", string(inv.Status))
	table.Append("Payouts", fmt.Sprintf("%d", inv.PayoutCount))
	table.Append("Amount", fmt.Sprintf("%d %s", inv.Amount, inv.Currency))
	table.Append("Fee", fmt.Sprintf("%d %s", inv.Fee, inv.Currency))
	table.Append("Total", fmt.Sprintf("%d %s", inv.Total, inv.Currency))
	return table.Render()
}
