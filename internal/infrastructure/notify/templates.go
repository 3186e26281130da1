package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"saf-broker/internal/domain"
)

var statusMessages = map[domain.OrderStatus]string{
	domain.OrderPending:    "Your order is being processed.",
	domain.OrderProcessing: "We're generating your certificate.",
	domain.OrderPaid:       "Payment successful! Your certificate is being generated.",
	domain.OrderCompleted:  "Your certificate is ready for download!",
	domain.OrderCancelled:  "Your order has been cancelled. If this was unexpected, please contact support.",
	domain.OrderError:      "There was an issue processing your order. Our team has been notified.",
}

const layout = `<html><body style="font-family: Arial, sans-serif; color: #333;">
<h2>{{.Heading}}</h2>
{{block "content" .}}{{end}}
<p>Thank you for supporting sustainable aviation!</p>
<p>Best regards,<br>The SAF Broker Team</p>
</body></html>`

var contents = map[Kind]string{
	OrderConfirmed: `{{define "content"}}<p>Thank you for your SAF certificate purchase!</p>
<ul>
<li><strong>Order Number:</strong> #{{.Order.ID}}</li>
{{if .Order.Flight.Number}}<li><strong>Flight:</strong> {{.Order.Flight.Number}} ({{.Order.DepartureAirport}} &rarr; {{.Order.ArrivalAirport}})</li>{{end}}
<li><strong>Flight Emissions:</strong> {{printf "%.2f" .Order.EmissionsKg}} kg CO2</li>
<li><strong>SAF Volume:</strong> {{printf "%.2f" .Order.SAFVolume}} L</li>
<li><strong>Total Amount:</strong> ${{.Order.Total.StringFixed 2}}</li>
<li><strong>Order Date:</strong> {{.Order.CreatedAt | date}}</li>
</ul>
<p>Your certificate will be ready shortly. You'll receive another email when it's available for download.</p>{{end}}`,

	PaymentConfirmed: `{{define "content"}}<p>We received your payment for order #{{.Order.ID}}.</p>
<ul>
<li><strong>Flight:</strong> {{.Order.Flight.Number}} ({{.Order.DepartureAirport}} &rarr; {{.Order.ArrivalAirport}})</li>
<li><strong>SAF Volume:</strong> {{printf "%.1f" .Order.SAFVolume}} L</li>
<li><strong>CO2 Savings:</strong> {{printf "%.1f" .Order.EmissionsKg}} kg</li>
{{with .Payload.Payment}}<li><strong>Amount Paid:</strong> ${{.Amount.StringFixed 2}}</li>
{{with .CompletedAt}}<li><strong>Payment Date:</strong> {{date .}}</li>{{end}}{{end}}
</ul>
<p><a href="{{.OrdersURL}}">View Your Orders</a></p>{{end}}`,

	CertificateReady: `{{define "content"}}<p>Your SAF certificate for order #{{.Order.ID}} is now available.</p>
<ul>
{{with .Payload.CertNumber}}<li><strong>Certificate Number:</strong> {{.}}</li>{{end}}
<li><strong>SAF Volume Offset:</strong> {{printf "%.2f" .Order.SAFVolume}} L</li>
<li><strong>CO2 Emissions Offset:</strong> {{printf "%.2f" .Order.EmissionsKg}} kg</li>
</ul>
<p><a href="{{.Payload.CertificateURI}}">Download Your Certificate</a></p>
<p>Keep this certificate for your sustainability records and regulatory compliance.</p>{{end}}`,

	StatusChanged: `{{define "content"}}<p>Your order #{{.Order.ID}} status has been updated to: <strong>{{.Order.Status}}</strong></p>
<p>{{.StatusMessage}}</p>
{{with .Order.Notes}}<p>{{.}}</p>{{end}}{{end}}`,
}

var subjects = map[Kind]string{
	OrderConfirmed:   "SAF Certificate Order Confirmation - Order #%d",
	PaymentConfirmed: "Payment Confirmed - SAF Certificate Order #%d",
	CertificateReady: "Your SAF Certificate is Ready! - Order #%d",
	StatusChanged:    "Order Status Update - Order #%d",
}

var headings = map[Kind]string{
	OrderConfirmed:   "Order Confirmation",
	PaymentConfirmed: "Payment Confirmed!",
	CertificateReady: "Your SAF Certificate is Ready!",
	StatusChanged:    "Order Status Update",
}

type Renderer struct {
	templates map[Kind]*template.Template
	ordersURL string
}

type view struct {
	Heading       string
	Order         domain.Order
	Payload       Payload
	OrdersURL     string
	StatusMessage string
}

func NewRenderer(ordersURL string) *Renderer {
	funcs := template.FuncMap{
		"date": func(t time.Time) string { return t.Format("Jan 02, 2006 at 15:04") },
	}
	r := &Renderer{templates: make(map[Kind]*template.Template), ordersURL: ordersURL}
	for kind, content := range contents {
		t := template.Must(template.New(string(kind)).Funcs(funcs).Parse(layout))
		r.templates[kind] = template.Must(t.Parse(content))
	}
	return r
}

func (r *Renderer) Render(kind Kind, order domain.Order, payload Payload) (Message, error) {
	t, ok := r.templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for %s", kind)
	}

	var buf bytes.Buffer
	err := t.Execute(&buf, &view{
		Heading:       headings[kind],
		Order:         order,
		Payload:       payload,
		OrdersURL:     r.ordersURL,
		StatusMessage: statusMessages[order.Status],
	})
	if err != nil {
		return Message{}, fmt.Errorf("render %s: %w", kind, err)
	}

	return Message{
		To:      order.BuyerEmail,
		Subject: fmt.Sprintf(subjects[kind], order.ID),
		Body:    buf.String(),
		HTML:    true,
	}, nil
}
