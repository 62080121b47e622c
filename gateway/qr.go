package gateway

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/settlement"
)

// DefaultQRTemplate renders through the public VietQR image service.
const DefaultQRTemplate = "https://img.vietqr.io/image/{bank}-{account}-compact2.png?amount={amount}&addInfo={memo}&accountName={holder}"

// TemplateQR builds transfer QR URLs by filling a URL template. Placeholders:
// {bank}, {account}, {holder}, {amount}, {memo}.
type TemplateQR struct {
	template string
	cache    Cache
	ttl      time.Duration
	logger   *zap.Logger
}

// NewTemplateQR returns a provider. An empty template means
// DefaultQRTemplate; a nil cache disables caching.
func NewTemplateQR(template string, c Cache, ttl time.Duration, logger *zap.Logger) *TemplateQR {
	if template == "" {
		template = DefaultQRTemplate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateQR{template: template, cache: c, ttl: ttl, logger: logger}
}

func (q *TemplateQR) TransferQR(ctx context.Context, req settlement.QRRequest) (string, error) {
	if strings.TrimSpace(req.Bank) == "" {
		return "", &settlement.ValidationError{Field: "bank", Message: "bank is required"}
	}
	if strings.TrimSpace(req.AccountNumber) == "" {
		return "", &settlement.ValidationError{Field: "account_number", Message: "account number is required"}
	}

	key := strings.Join([]string{"qr", req.Bank, req.AccountNumber, req.Amount.String(), req.Memo}, ":")
	if q.cache != nil {
		if hit, ok, err := q.cache.Get(ctx, key); err != nil {
			q.logger.Warn("qr cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return hit, nil
		}
	}

	link := strings.NewReplacer(
		"{bank}", url.PathEscape(req.Bank),
		"{account}", url.PathEscape(req.AccountNumber),
		"{holder}", url.QueryEscape(req.AccountHolder),
		"{amount}", req.Amount.StringFixed(0),
		"{memo}", url.QueryEscape(req.Memo),
	).Replace(q.template)

	if q.cache != nil {
		if err := q.cache.Set(ctx, key, link, q.ttl); err != nil {
			q.logger.Warn("qr cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return link, nil
}

var _ settlement.QRProvider = (*TemplateQR)(nil)
