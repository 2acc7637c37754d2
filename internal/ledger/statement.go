package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// StatementFormat is the output format of an account statement
type StatementFormat string

const (
	StatementCSV StatementFormat = "csv"
	StatementPDF StatementFormat = "pdf"
)

// ContentType returns the MIME type for the format
func (f StatementFormat) ContentType() string {
	switch f {
	case StatementPDF:
		return "application/pdf"
	default:
		return "text/csv"
	}
}

// ExportStatement writes the account summary and full transaction log,
// oldest first, to w.
func (l *Ledger) ExportStatement(ctx context.Context, userID string, format StatementFormat, w io.Writer) error {
	if format != StatementCSV && format != StatementPDF {
		return errors.NewValidationError(fmt.Sprintf("unsupported statement format %q", format))
	}

	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	transactions, err := l.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return errors.NewInternalError("failed to list transactions").WithCause(err)
	}

	// Statements read chronologically.
	for i, j := 0, len(transactions)-1; i < j; i, j = i+1, j-1 {
		transactions[i], transactions[j] = transactions[j], transactions[i]
	}

	switch format {
	case StatementPDF:
		return writePDFStatement(w, account, transactions, l.now())
	default:
		return writeCSVStatement(w, transactions)
	}
}

func writeCSVStatement(w io.Writer, transactions []*Transaction) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"id", "created_at", "type", "amount", "balance_before", "balance_after", "description"}); err != nil {
		return fmt.Errorf("failed to write statement header: %w", err)
	}

	for _, tx := range transactions {
		record := []string{
			tx.ID,
			tx.CreatedAt.UTC().Format(time.RFC3339),
			string(tx.Type),
			strconv.FormatInt(tx.Amount, 10),
			strconv.FormatInt(tx.BalanceBefore, 10),
			strconv.FormatInt(tx.BalanceAfter, 10),
			tx.Description,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write statement row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePDFStatement(w io.Writer, account *Account, transactions []*Transaction, generatedAt time.Time) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Token Statement")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	summary := []string{
		fmt.Sprintf("Account: %s", account.UserID),
		fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC1123)),
		fmt.Sprintf("Current balance: %d tokens", account.Balance),
		fmt.Sprintf("Lifetime earned: %d | purchased: %d | spent: %d",
			account.LifetimeEarned, account.LifetimePurchased, account.LifetimeSpent),
	}
	for _, line := range summary {
		pdf.Cell(40, 6, line)
		pdf.Ln(6)
	}
	pdf.Ln(6)

	headers := []string{"Date", "Type", "Amount", "Balance", "Description"}
	widths := []float64{38, 22, 20, 20, 90}

	pdf.SetFont("Arial", "B", 9)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 7, header, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, tx := range transactions {
		if pdf.GetY() > 270 {
			pdf.AddPage()
		}
		row := []string{
			tx.CreatedAt.UTC().Format("2006-01-02 15:04"),
			string(tx.Type),
			strconv.FormatInt(tx.Amount, 10),
			strconv.FormatInt(tx.BalanceAfter, 10),
			truncate(tx.Description, 60),
		}
		for i, value := range row {
			pdf.CellFormat(widths[i], 6, value, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render statement PDF: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
