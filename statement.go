package tellerd

import (
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
)

// writeStatementPDF renders an account statement: header with account
// details, then one row per transaction, newest first.
func writeStatementPDF(w io.Writer, acct *Account, txns []Transaction) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Statement %s", acct.AcctID), false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, fmt.Sprintf("Account Statement - %s", acct.AcctID), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Owner: %s", acct.Owner), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Type: %s", acct.Type), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Balance: %s", acct.Balance.StringFixed(2)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.CellFormat(40, 7, "Date", "B", 0, "L", false, 0, "")
	pdf.CellFormat(45, 7, "Transaction", "B", 0, "L", false, 0, "")
	pdf.CellFormat(30, 7, "Type", "B", 0, "L", false, 0, "")
	pdf.CellFormat(30, 7, "Amount", "B", 0, "R", false, 0, "")
	pdf.CellFormat(0, 7, "Status", "B", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, txn := range txns {
		amount := txn.Amount.StringFixed(2)
		// Outgoing movements are shown negative from this account's view.
		if txn.FromAcct != nil && *txn.FromAcct == acct.AcctID && txn.Status == StatusCompleted {
			amount = "-" + amount
		}
		pdf.CellFormat(40, 6, txn.CreatedAt.Format("2006-01-02 15:04"), "", 0, "L", false, 0, "")
		pdf.CellFormat(45, 6, txn.ID.String(), "", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, string(txn.Type), "", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, amount, "", 0, "R", false, 0, "")
		pdf.CellFormat(0, 6, string(txn.Status), "", 1, "L", false, 0, "")
	}
	if len(txns) == 0 {
		pdf.CellFormat(0, 6, "No transactions on record.", "", 1, "L", false, 0, "")
	}

	return pdf.Output(w)
}
