package internal

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

const (
	ServiceAuthHeader = "Whiteboard-Service-Auth"
	signatureSkew     = 1 * time.Minute
)

var ErrBadSignature = errors.New("bad service signature")

type (
	// RequestSigner stamps an outgoing service request on behalf of subject.
	RequestSigner = func(r *http.Request, subject string) error
	// RequestVerifier returns the subject of a signed request.
	RequestVerifier = func(r *http.Request) (string, error)
)

func NewRequestSigner(privateKey ed25519.PrivateKey) RequestSigner {
	return func(r *http.Request, subject string) error {
		nonce, err := ksuid.NewRandom()
		if err != nil {
			return err
		}

		msg := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%v_%v", nonce.String(), subject)))
		sig := base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, []byte(msg)))

		r.Header.Set(ServiceAuthHeader, fmt.Sprintf("%v.%v", msg, sig))

		return nil
	}
}

func NewRequestVerifier(publicKey ed25519.PublicKey) RequestVerifier {
	return func(r *http.Request) (string, error) {
		msg, sig, ok := strings.Cut(r.Header.Get(ServiceAuthHeader), ".")
		if !ok {
			return "", ErrBadSignature
		}

		bSig, err := base64.RawURLEncoding.DecodeString(sig)
		if err != nil {
			return "", ErrBadSignature
		}

		if !ed25519.Verify(publicKey, []byte(msg), bSig) {
			return "", ErrBadSignature
		}

		bMsg, err := base64.RawURLEncoding.DecodeString(msg)
		if err != nil {
			return "", ErrBadSignature
		}

		// ksuid text never contains '_', the subject may
		rawNonce, subject, ok := strings.Cut(string(bMsg), "_")
		if !ok || subject == "" {
			return "", ErrBadSignature
		}

		nonce := ksuid.KSUID{}
		if err := nonce.UnmarshalText([]byte(rawNonce)); err != nil {
			return "", ErrBadSignature
		}

		now := time.Now()
		nt := nonce.Time()
		if nt.Before(now.Add(-signatureSkew)) || nt.After(now.Add(signatureSkew)) {
			return "", fmt.Errorf("%w: nonce outside window", ErrBadSignature)
		}

		return subject, nil
	}
}

// ParsePublicKey decodes a raw-url base64 ed25519 public key as served by
// PublicKeyRoute.
func ParsePublicKey(b []byte) (ed25519.PublicKey, error) {
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %v bytes", len(key))
	}
	return key, nil
}

func PublicKeyRoute(privateKey ed25519.PrivateKey) http.HandlerFunc {
	pubKey := privateKey.Public().(ed25519.PublicKey)
	publicKey := make([]byte, base64.RawURLEncoding.EncodedLen(len(pubKey)))
	base64.RawURLEncoding.Encode(publicKey, pubKey)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(publicKey)
	}
}
