package ingest

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrInvalidRecipient    = errors.New("invalid recipient address")
	ErrRecipientNotAllowed = errors.New("recipient domain is not allowed")
)

// NormalizeRecipient validates a report recipient and lowercases its domain.
// An empty address yields "" and no error. With a non-empty allowed list the
// address must belong to one of the domains or one of their subdomains.
func NormalizeRecipient(address string, allowed []string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", nil
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, address, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, address)
	}
	normalized := parsed.Address[:at] + "@" + strings.ToLower(parsed.Address[at+1:])

	if len(allowed) == 0 {
		return normalized, nil
	}
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if strings.HasSuffix(normalized, "@"+d) || strings.HasSuffix(normalized, "."+d) {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrRecipientNotAllowed, normalized)
}
