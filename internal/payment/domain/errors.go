package domain

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrMissingSignature      = errors.New("missing_signature")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrMalformedPayload      = errors.New("malformed_payload")
	ErrProviderNotFound      = errors.New("provider_not_found")
)

// IsAuthenticity reports whether err means the delivery could not be proven
// to come from the provider.
func IsAuthenticity(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrMissingSignature) ||
		errors.Is(err, ErrProviderNotConfigured)
}
