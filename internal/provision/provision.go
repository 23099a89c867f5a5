// Package provision creates transports, the only write path for the
// transport registry.
package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/example/eventstream-ingest/internal/auth"
	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/logging"
)

var (
	ErrInvalidName      = errors.New("invalid transport name")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

const maxNameLen = 255

type TransportCreator interface {
	CreateTransport(ctx context.Context, t data.Transport) error
}

// Result describes a created transport. Fingerprint is empty for a
// transport without a key.
type Result struct {
	Transport   data.Transport
	Fingerprint string
}

// CreateTransport validates name and the base64 encoded public key, then
// stores the transport with the key normalised to PKIX PEM. An empty
// b64Key creates a transport that cannot sign events.
func CreateTransport(ctx context.Context, store TransportCreator, name, b64Key string, autoSubscribe bool) (Result, error) {
	events := logging.NewEventLogger()
	if err := validateName(name); err != nil {
		events.Admin("create_transport", "cli", name, err.Error(), false)
		return Result{}, err
	}
	t := data.Transport{ID: name, AutoSubscribeOnEventCreate: autoSubscribe}
	var res Result
	if strings.TrimSpace(b64Key) != "" {
		keyPEM, fp, err := decodeKey(b64Key)
		if err != nil {
			events.Admin("create_transport", "cli", name, err.Error(), false)
			return Result{}, err
		}
		t.PublicKey = keyPEM
		res.Fingerprint = fp
	}
	if err := store.CreateTransport(ctx, t); err != nil {
		events.Admin("create_transport", "cli", name, err.Error(), false)
		if errors.Is(err, data.ErrExists) {
			return Result{}, fmt.Errorf("transport %q: %w", name, err)
		}
		return Result{}, fmt.Errorf("create transport: %w", err)
	}
	events.Admin("create_transport", "cli", name, "", true)
	res.Transport = t
	return res, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLen)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidName)
		}
	}
	return nil
}

func decodeKey(b64Key string) (keyPEM, fingerprint string, err error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Key))
	if err != nil || len(raw) == 0 {
		return "", "", fmt.Errorf("%w: not base64", ErrInvalidPublicKey)
	}
	keyPEM, pub, err := auth.NormalizePublicKey(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	fingerprint, err = auth.Fingerprint(pub)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return keyPEM, fingerprint, nil
}
