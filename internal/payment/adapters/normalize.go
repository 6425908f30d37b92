package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/loyalty/internal/payment/domain"
)

// MaxSkew bounds the age of signed timestamps in either direction.
const MaxSkew = 5 * time.Minute

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Sign computes HMAC-SHA256 over the concatenated parts.
func Sign(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range parts {
		_, _ = mac.Write(part)
	}
	return mac.Sum(nil)
}

func EqualHex(expected []byte, signature string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

func EqualBase64(expected []byte, signature string) bool {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

// CheckSkew rejects signed timestamps more than MaxSkew away from now.
func CheckSkew(now, signedAt time.Time) error {
	diff := now.Sub(signedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxSkew {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
	}
	return nil
}

func ParseUnix(raw string) (time.Time, error) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp", domain.ErrInvalidSignature)
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrMalformedPayload}, args...)...)
}

// Decode unmarshals body into v; unknown fields are ignored.
func Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return Malformed("invalid json")
	}
	return nil
}

// MinorUnits converts an integer amount in the currency's minor unit.
func MinorUnits(amount int64, currency string) decimal.Decimal {
	value := decimal.NewFromInt(amount)
	if _, ok := zeroDecimal[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return value
	}
	return value.Shift(-2)
}

func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, Malformed("missing amount")
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, Malformed("invalid amount %q", raw)
	}
	return value, nil
}

func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ParseTime accepts RFC3339 strings and falls back to fallback when empty or invalid.
func ParseTime(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback.UTC()
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback.UTC()
	}
	return parsed.UTC()
}

// UnixOr converts seconds since epoch, using fallback for zero.
func UnixOr(seconds int64, fallback time.Time) time.Time {
	if seconds <= 0 {
		return fallback.UTC()
	}
	return time.Unix(seconds, 0).UTC()
}

// Event assembles a PaymentEvent and enforces the required fields. Refunds
// may omit the user reference because the reversal is keyed by the original
// transaction.
type Event struct {
	Provider      domain.Provider
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	UserReference string
	Status        domain.Status
	OccurredAt    time.Time
}

func (e Event) Build() (*domain.PaymentEvent, error) {
	txID := strings.TrimSpace(e.TransactionID)
	if txID == "" {
		return nil, Malformed("missing transaction id")
	}
	currency := strings.ToUpper(strings.TrimSpace(e.Currency))
	if currency == "" {
		return nil, Malformed("missing currency")
	}
	if e.Amount.IsNegative() {
		return nil, Malformed("negative amount")
	}
	userRef := strings.TrimSpace(e.UserReference)
	if userRef == "" && e.Status != domain.StatusRefunded {
		return nil, Malformed("missing user reference")
	}
	if e.Status == "" {
		return nil, Malformed("missing status")
	}
	return &domain.PaymentEvent{
		Provider:              e.Provider,
		ProviderTransactionID: txID,
		RawAmount:             e.Amount,
		RawCurrency:           currency,
		OccurredAt:            e.OccurredAt.UTC(),
		UserReference:         userRef,
		Status:                e.Status,
	}, nil
}

// StatusMap resolves provider status strings; unknown values fail closed.
type StatusMap map[string]domain.Status

func (m StatusMap) Resolve(raw string) (domain.Status, error) {
	status, ok := m[strings.TrimSpace(raw)]
	if !ok {
		return "", Malformed("unmapped status %q", raw)
	}
	return status, nil
}
