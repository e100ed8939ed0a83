// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package billing

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/store"
)

// Seller is the invoicing business
type Seller struct {
	Name    string
	Address string
	GSTIN   string
	Email   string
}

const (
	pageMargin = 18.0
	lineHeight = 6.0
)

// RenderInvoice draws an A4 tax invoice
func RenderInvoice(inv store.Invoice, seller Seller, gstRate float64) ([]byte, error) {
	if gstRate <= 0 {
		gstRate = DefaultGSTRate
	}
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle("Invoice "+inv.Number, true)
	pdf.SetAuthor(seller.Name, true)
	pdf.SetCreator("Proxinex", false)
	pdf.SetCreationDate(inv.IssuedAt)
	pdf.SetModificationDate(inv.IssuedAt)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, "This is a computer generated invoice and does not need a signature.", "", 0, "C", false, 0, "")
	})
	pdf.AddPage()
	width, _ := pdf.GetPageSize()
	content := width - 2*pageMargin

	// header
	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(content/2, 10, tr(seller.Name), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(content/2, 10, "TAX INVOICE", "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(90, 90, 90)
	for _, line := range strings.Split(seller.Address, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			pdf.CellFormat(content, 4.5, tr(line), "", 1, "L", false, 0, "")
		}
	}
	if seller.GSTIN != "" {
		pdf.CellFormat(content, 4.5, "GSTIN: "+seller.GSTIN, "", 1, "L", false, 0, "")
	}
	if seller.Email != "" {
		pdf.CellFormat(content, 4.5, seller.Email, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	// invoice meta and bill-to
	pdf.SetTextColor(33, 37, 41)
	top := pdf.GetY()
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(content/2, lineHeight, "Bill to", "", 2, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	name := inv.BillingName
	if name == "" {
		name = inv.BillingEmail
	}
	pdf.CellFormat(content/2, lineHeight, tr(name), "", 2, "L", false, 0, "")
	if inv.BillingEmail != "" && inv.BillingEmail != name {
		pdf.CellFormat(content/2, lineHeight, inv.BillingEmail, "", 2, "L", false, 0, "")
	}

	pdf.SetXY(pageMargin+content/2, top)
	meta := [][2]string{
		{"Invoice no.", inv.Number},
		{"Date", inv.IssuedAt.Format("02 Jan 2006")},
	}
	if inv.RazorpayPaymentID != "" {
		meta = append(meta, [2]string{"Payment ref.", inv.RazorpayPaymentID})
	}
	for _, kv := range meta {
		pdf.SetX(pageMargin + content/2)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(content/4, lineHeight, kv[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(content/4, lineHeight, kv[1], "", 1, "R", false, 0, "")
	}
	pdf.SetY(max(pdf.GetY(), top+3*lineHeight) + 8)

	// line item
	descWidth := content * 0.7
	amountWidth := content - descWidth
	pdf.SetFillColor(241, 243, 245)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(descWidth, 8, "Description", "B", 0, "L", true, 0, "")
	pdf.CellFormat(amountWidth, 8, "Amount ("+inv.Currency+")", "B", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(descWidth, 8, tr(lineItem(inv)), "", 0, "L", false, 0, "")
	pdf.CellFormat(amountWidth, 8, FormatPaise(inv.SubtotalPaise), "", 1, "R", false, 0, "")
	if period := periodText(inv); period != "" {
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(descWidth, 5, period, "", 1, "L", false, 0, "")
		pdf.SetTextColor(33, 37, 41)
	}
	pdf.Ln(4)

	// totals
	totals := [][2]string{
		{"Subtotal", FormatPaise(inv.SubtotalPaise)},
		{fmt.Sprintf("GST (%g%%)", gstRate*100), FormatPaise(inv.TaxPaise)},
	}
	for _, kv := range totals {
		pdf.SetX(pageMargin + descWidth - 40)
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(40, lineHeight, kv[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(amountWidth, lineHeight, kv[1], "", 1, "R", false, 0, "")
	}
	pdf.SetX(pageMargin + descWidth - 40)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(40, 8, "Total", "T", 0, "L", false, 0, "")
	pdf.CellFormat(amountWidth, 8, inv.Currency+" "+FormatPaise(inv.TotalPaise), "T", 1, "R", false, 0, "")

	pdf.Ln(10)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(content, 4.5, "Paid via Razorpay. Thank you for subscribing to Proxinex.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.Number, err)
	}
	return buf.Bytes(), nil
}

func lineItem(inv store.Invoice) string {
	name := string(inv.Plan)
	if p, ok := plans.Get(inv.Plan); ok {
		name = p.Name
	}
	cycle := "monthly"
	if inv.Cycle == plans.Yearly {
		cycle = "yearly"
	}
	return fmt.Sprintf("Proxinex %s plan (%s subscription)", name, cycle)
}

func periodText(inv store.Invoice) string {
	if inv.PeriodStart == nil || inv.PeriodEnd == nil {
		return ""
	}
	return fmt.Sprintf("Service period %s to %s",
		inv.PeriodStart.Format("02 Jan 2006"), inv.PeriodEnd.Format("02 Jan 2006"))
}

// InvoiceFilename is the download name for an invoice PDF
func InvoiceFilename(inv store.Invoice) string {
	return "invoice-" + inv.Number + ".pdf"
}
