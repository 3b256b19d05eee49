package ports

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// UUIDGenerator is the production RandomID, backed by random UUIDv4.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// StaticSecrets derives per-session keys from a single root key. Production
// deployments inject a real secret manager instead.
type StaticSecrets struct {
	Root []byte
}

func (s StaticSecrets) SessionKey(sessionID string) ([]byte, error) {
	mac := hmac.New(sha256.New, s.Root)
	mac.Write([]byte(sessionID))
	return mac.Sum(nil), nil
}

// AllowAllAuth accepts any identity material, mapping it to a principal on a
// single tenant. Useful for tests and single-tenant deployments.
type AllowAllAuth struct {
	TenantID string
	QoS      string
}

func (a AllowAllAuth) Authenticate(_ context.Context, material []byte) (Principal, error) {
	return Principal{ID: string(material), TenantID: a.TenantID, QoS: a.QoS}, nil
}

// NopObservationSink discards observations.
type NopObservationSink struct{}

func (NopObservationSink) Append(context.Context, []Observation) error { return nil }
