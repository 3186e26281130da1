// Package artifact renders certificate documents and hands them to the document store.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"saf-broker/internal/domain"
	"saf-broker/internal/infrastructure/storage"
)

const contentType = "application/pdf"

const complianceText = "This certificate attests that the Sustainable Aviation Fuel volume stated above " +
	"has been purchased on behalf of the holder and will be blended into the fuel supply. " +
	"The associated emissions reduction may be claimed once and only by the holder named on this certificate."

type Input struct {
	OrderID     int64
	BuyerEmail  string
	Flight      domain.Flight
	EmissionsKg float64
	SAFVolume   float64
	Price       decimal.Decimal
	// IssuedAt is stamped on the document and used for its metadata dates,
	// so a retry for the same order produces identical bytes.
	IssuedAt time.Time
}

func InputFromOrder(o *domain.Order) Input {
	issued := o.CreatedAt
	if o.CompletedAt != nil {
		issued = *o.CompletedAt
	}
	return Input{
		OrderID:     o.ID,
		BuyerEmail:  o.BuyerEmail,
		Flight:      o.Flight,
		EmissionsKg: o.EmissionsKg,
		SAFVolume:   o.SAFVolume,
		Price:       o.Price,
		IssuedAt:    issued.UTC(),
	}
}

type Generator struct {
	store storage.DocumentStore
}

func NewGenerator(store storage.DocumentStore) *Generator {
	return &Generator{store: store}
}

func Key(orderID int64) string {
	return fmt.Sprintf("cert_%d.pdf", orderID)
}

// Generate renders the certificate and stores it, returning its retrieval URI.
// Store failures are returned; no placeholder URI is ever produced.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	logger := log.WithField("order_id", in.OrderID)

	data, err := Render(in)
	if err != nil {
		return "", errors.Wrapf(err, "render certificate for order %d", in.OrderID)
	}

	uri, err := g.store.Put(ctx, Key(in.OrderID), contentType, data)
	if err != nil {
		logger.WithError(err).Error("failed to store certificate")
		return "", errors.Wrapf(err, "store certificate for order %d", in.OrderID)
	}

	logger.WithFields(log.Fields{"uri": uri, "bytes": len(data)}).Info("certificate generated")
	return uri, nil
}

// Render produces the PDF bytes for in.
func Render(in Input) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(false)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(in.IssuedAt)
	pdf.SetModificationDate(in.IssuedAt)
	pdf.SetTitle(fmt.Sprintf("SAF Certificate - Order %d", in.OrderID), false)
	pdf.SetAuthor("SAF Broker", false)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetDrawColor(0, 102, 51)
	pdf.SetLineWidth(1)
	pdf.Rect(10, 10, 190, 277, "D")

	pdf.SetTextColor(0, 102, 51)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.CellFormat(0, 14, "Sustainable Aviation Fuel Certificate", "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(0, 0, 0)
	section(pdf, "Certificate Holder")
	row(pdf, "Order ID", fmt.Sprintf("%d", in.OrderID))
	row(pdf, "Issued To", in.BuyerEmail)
	row(pdf, "Issue Date", in.IssuedAt.Format("January 2, 2006"))

	if in.Flight.Number != "" {
		section(pdf, "Flight")
		row(pdf, "Flight Number", in.Flight.Number)
		row(pdf, "Route", fmt.Sprintf("%s - %s", in.Flight.DepartureAirport, in.Flight.ArrivalAirport))
		if in.Flight.Date != nil {
			row(pdf, "Flight Date", in.Flight.Date.Format("January 2, 2006"))
		}
	}

	section(pdf, "Offset")
	row(pdf, "SAF Volume", fmt.Sprintf("%.2f gallons", in.SAFVolume))
	row(pdf, "CO2 Emissions Covered", fmt.Sprintf("%.2f kg", in.EmissionsKg))
	row(pdf, "Price (USD)", "$"+in.Price.StringFixed(2))

	pdf.Ln(10)
	pdf.SetFont("Helvetica", "I", 10)
	pdf.MultiCell(0, 5, complianceText, "", "J", false)

	if pdf.Err() {
		return nil, pdf.Error()
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 9, title, "B", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func row(pdf *fpdf.Fpdf, label, value string) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(60, 7, label+":", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 7, value, "", 1, "L", false, 0, "")
}
