package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSubject = "X-Packfarm-Subject"
	HeaderEmail   = "X-Packfarm-Email"
	HeaderRoles   = "X-Packfarm-Roles"

	HeaderSigner    = "X-Packfarm-Signer"
	HeaderTimestamp = "X-Packfarm-Auth-Ts"
	HeaderSignature = "X-Packfarm-Auth-Sig"
)

// Signer attaches an identity to outgoing requests, signed with the private
// key of the calling service.
type Signer struct {
	Name string
	Key  ed25519.PrivateKey
	Now  func() time.Time
}

func (s Signer) Sign(r *http.Request, identity Identity) error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("signer name is required")
	}
	if len(s.Key) != ed25519.PrivateKeySize {
		return errors.New("signer key is required")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	roles := strings.Join(identity.Roles, ",")
	ts := strconv.FormatInt(now().UTC().Unix(), 10)
	msg := signedCanonical(ts, r.Method, r.URL.Path, r.Header.Get("X-Request-Id"), s.Name, identity.Subject, identity.Email, roles)

	r.Header.Set(HeaderSubject, identity.Subject)
	r.Header.Set(HeaderEmail, identity.Email)
	r.Header.Set(HeaderRoles, roles)
	r.Header.Set(HeaderSigner, s.Name)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, base64.RawURLEncoding.EncodeToString(ed25519.Sign(s.Key, []byte(msg))))
	return nil
}

// StripSignedHeaders removes any identity headers a caller supplied.
func StripSignedHeaders(h http.Header) {
	for _, k := range []string{HeaderSubject, HeaderEmail, HeaderRoles, HeaderSigner, HeaderTimestamp, HeaderSignature} {
		h.Del(k)
	}
}

// SignedHeadersAuthenticator trusts identities signed by any key in Keyring.
type SignedHeadersAuthenticator struct {
	Keyring Keyring
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewSignedHeadersAuthenticator(ring Keyring) (*SignedHeadersAuthenticator, error) {
	if len(ring) == 0 {
		return nil, errors.New("keyring is empty")
	}
	return &SignedHeadersAuthenticator{Keyring: ring, MaxSkew: 5 * time.Minute}, nil
}

func (a *SignedHeadersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	signer := strings.TrimSpace(r.Header.Get(HeaderSigner))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if signer == "" || sig == "" || ts == "" || subject == "" {
		return Identity{}, ErrUnauthenticated
	}

	key, ok := a.Keyring[signer]
	if !ok {
		return Identity{}, fmt.Errorf("unknown signer %q", signer)
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now().UTC()
	}
	if err := verifyTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}

	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	roles := strings.TrimSpace(r.Header.Get(HeaderRoles))
	msg := signedCanonical(ts, r.Method, r.URL.Path, r.Header.Get("X-Request-Id"), signer, subject, email, roles)
	if !ed25519.Verify(key, []byte(msg), raw) {
		return Identity{}, errors.New("invalid signature")
	}

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   parseCSV(roles),
	}, nil
}

func verifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	tsTime := time.Unix(parsed, 0).UTC()
	if tsTime.After(now.Add(maxSkew)) || tsTime.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func signedCanonical(ts, method, path, requestID, signer, subject, email, roles string) string {
	return strings.Join([]string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(requestID),
		strings.TrimSpace(signer),
		strings.TrimSpace(subject),
		strings.TrimSpace(email),
		strings.TrimSpace(roles),
	}, "\n")
}
