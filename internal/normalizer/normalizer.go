package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

// SkipReason explains why a raw event produced no sale.
type SkipReason string

const (
	SkipNoAsset     SkipReason = "no_asset"
	SkipPrivate     SkipReason = "private"
	SkipUnknownRate SkipReason = "unknown_rate"
)

// ErrSkip matches every *SkipError.
var ErrSkip = errors.New("event skipped")

var (
	ErrInvalidAmount    = errors.New("invalid total price")
	ErrInvalidTimestamp = errors.New("invalid created date")
	ErrInvalidTokenID   = errors.New("invalid token id")
	ErrInvalidRate      = errors.New("invalid conversion rate")
)

// SkipError is returned for records that are valid upstream but carry no
// sale that can be stored.
type SkipError struct {
	EventID int64
	Reason  SkipReason
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("event %d skipped: %s", e.EventID, e.Reason)
}

func (e *SkipError) Is(target error) bool {
	return target == ErrSkip
}

// subProjectSpan is the token id range owned by one Art Blocks sub-project.
var subProjectSpan = decimal.NewFromInt(1_000_000)

// createdDateLayouts are tried in order. Upstream timestamps carry no zone and are UTC.
var createdDateLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// Normalize converts a raw upstream event into a Sale for the requesting project.
func Normalize(project models.Project, event models.AssetEvent) (models.Sale, error) {
	var sale models.Sale

	if event.Asset == nil {
		return sale, &SkipError{EventID: event.ID, Reason: SkipNoAsset}
	}
	if event.IsPrivate {
		return sale, &SkipError{EventID: event.ID, Reason: SkipPrivate}
	}
	if event.PaymentToken == nil || event.PaymentToken.EthPrice == nil {
		return sale, &SkipError{EventID: event.ID, Reason: SkipUnknownRate}
	}

	price, err := Price(event.TotalPrice, event.PaymentToken.Decimals, *event.PaymentToken.EthPrice)
	if err != nil {
		return sale, fmt.Errorf("event %d: %w", event.ID, err)
	}

	timestamp, err := ParseCreatedDate(event.CreatedDate)
	if err != nil {
		return sale, fmt.Errorf("event %d: %w", event.ID, err)
	}

	projectID, err := ResolveProjectID(project, event.Asset.TokenID)
	if err != nil {
		return sale, fmt.Errorf("event %d: %w", event.ID, err)
	}

	sale = models.Sale{
		EventID:    event.ID,
		ProjectID:  projectID,
		Collection: project.Collection,
		TokenID:    strings.TrimSpace(event.Asset.TokenID),
		TokenName:  event.Asset.Name,
		Price:      price,
		Timestamp:  timestamp,
	}
	if event.Transaction != nil {
		sale.FromAddress = event.Transaction.FromAccount.Address
		sale.ToAddress = event.Transaction.ToAccount.Address
	}

	return sale, nil
}

// Price computes totalPrice / 10^decimals * rate in the native unit of account.
func Price(totalPrice string, decimals int32, rate string) (float64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(totalPrice))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, totalPrice)
	}
	conversion, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRate, rate)
	}

	price, _ := amount.Shift(-decimals).Mul(conversion).Float64()
	return price, nil
}

// ParseCreatedDate parses an upstream timestamp with or without fractional
// seconds and truncates it to whole seconds.
func ParseCreatedDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range createdDateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
}

// ResolveProjectID maps a token to the project id its sale is stored under.
// Art Blocks tokens encode the sub-project as tokenId / 1,000,000.
func ResolveProjectID(project models.Project, tokenID string) (string, error) {
	if !project.IsArtBlocks {
		return project.ID, nil
	}

	id, err := decimal.NewFromString(strings.TrimSpace(tokenID))
	if err != nil || !id.IsInteger() || id.IsNegative() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTokenID, tokenID)
	}
	return id.Div(subProjectSpan).Floor().String(), nil
}
