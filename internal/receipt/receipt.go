package receipt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasseledger/backend/internal/breaker"
	"kasseledger/backend/internal/domain"
	"kasseledger/backend/internal/money"
)

type Input struct {
	Store    domain.StoreProfile
	Session  domain.Session
	Number   int64
	Kind     string
	Charges  []domain.Charge
	Cart     domain.Cart
	Reason   string
	IssuedAt time.Time
}

// Artifact is the rendered receipt: device bytes plus a plain-text preview.
type Artifact struct {
	Data    []byte
	Preview string
}

type Renderer interface {
	Render(ctx context.Context, in Input) (Artifact, error)
}

var (
	escposInit = []byte{0x1b, 0x40}
	escposCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

// ESCPOSRenderer produces receipts for 58/80 mm thermal printers.
type ESCPOSRenderer struct{}

func (ESCPOSRenderer) Render(ctx context.Context, in Input) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if len(in.Charges) == 0 {
		return Artifact{}, fmt.Errorf("receipt %d has no charges", in.Number)
	}

	currency := in.Store.Currency
	title := "KVITTERING"
	switch in.Kind {
	case domain.ReceiptKindReturn:
		title = "RETURKVITTERING"
	case domain.ReceiptKindCorrection:
		title = "KORREKSJONSKVITTERING"
	}

	lines := []string{
		in.Store.Name,
		"========================",
		fmt.Sprintf("%s %d", title, in.Number),
		"Kasse: " + in.Session.DeviceID,
		fmt.Sprintf("Skift: %d", in.Session.SequenceNumber),
		"Dato: " + in.IssuedAt.Format("2006-01-02 15:04:05"),
		"------------------------",
	}
	for _, item := range in.Cart.Items {
		lines = append(lines, fmt.Sprintf("%s x%d", item.Name, item.Qty))
		lines = append(lines, "  "+money.Format(item.Qty*item.UnitPrice, currency))
	}
	if in.Cart.Discount != 0 {
		lines = append(lines, "Rabatt   : "+money.Format(-in.Cart.Discount, currency))
	}

	var total int64
	for _, c := range in.Charges {
		total += c.Amount
	}
	lines = append(lines, "------------------------")
	if base, vat, err := money.SplitVAT(total, in.Store.VATRate); err == nil {
		lines = append(lines,
			"Grunnlag : "+money.Format(base, currency),
			"MVA      : "+money.Format(vat, currency),
		)
	}
	lines = append(lines, "Total    : "+money.Format(total, currency))
	for _, c := range in.Charges {
		lines = append(lines, fmt.Sprintf("%-9s: %s", c.PaymentMethodID, money.Format(c.Amount, currency)))
	}
	if in.Reason != "" {
		lines = append(lines, "Årsak: "+in.Reason)
	}
	lines = append(lines,
		"========================",
		"Takk for handelen",
		"",
	)

	data := append([]byte{}, escposInit...)
	for _, line := range lines {
		data = append(data, []byte(line)...)
		data = append(data, '\n')
	}
	data = append(data, escposCut...)

	return Artifact{Data: data, Preview: strings.Join(lines, "\n")}, nil
}

type guardedRenderer struct {
	next    Renderer
	breaker *breaker.Breaker
}

// Guarded wraps a renderer so failures and an open breaker surface as
// DependencyError.
func Guarded(next Renderer, cb *breaker.Breaker) Renderer {
	return &guardedRenderer{next: next, breaker: cb}
}

func (g *guardedRenderer) Render(ctx context.Context, in Input) (Artifact, error) {
	var artifact Artifact
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		artifact, err = g.next.Render(ctx, in)
		return err
	})
	if err != nil {
		return Artifact{}, &domain.DependencyError{Dependency: "receipt renderer", Err: err}
	}
	return artifact, nil
}
