// Package verify checks detached Ed25519 package signatures.
//
// A signature file sits next to the package as <package>.sig and holds the
// base64 Ed25519 signature of the package's SHA-256 digest.
package verify

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

var log = logging.L("verify")

const maxSigFileSize = 4096

// Ed25519 satisfies update.Verifier.
type Ed25519 struct{}

// Verify fails closed: every problem is reported as update.ErrSignatureInvalid.
func (Ed25519) Verify(path string, key ed25519.PublicKey) error {
	if err := verify(path, key); err != nil {
		log.Warn("signature verification failed", "path", path, logging.KeyError, err)
		return update.Integrity("verify", "", fmt.Errorf("%w: %v", update.ErrSignatureInvalid, err))
	}
	return nil
}

func verify(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("no trusted public key configured")
	}
	sig, err := readSignature(pkgfile.SignaturePath(path))
	if err != nil {
		return err
	}
	digest, err := fileDigest(path)
	if err != nil {
		return fmt.Errorf("hash package: %w", err)
	}
	if !ed25519.Verify(key, digest, sig) {
		return errors.New("signature does not match")
	}
	return nil
}

func readSignature(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxSigFileSize))
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature has %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	return sig, nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// SignFile writes <path>.sig for the package at path.
func SignFile(path string, key ed25519.PrivateKey) error {
	digest, err := fileDigest(path)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, digest)
	return os.WriteFile(pkgfile.SignaturePath(path), []byte(base64.StdEncoding.EncodeToString(sig)+"\n"), 0644)
}

// ParsePublicKey accepts a raw 32-byte key, its base64 or hex encoding, or a
// PEM "PUBLIC KEY" block.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, errors.New("empty public key")
	}

	if block, _ := pem.Decode([]byte(text)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PEM public key: %w", err)
		}
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("PEM public key is %T, want ed25519", pub)
		}
		return key, nil
	}
	if b, err := hex.DecodeString(text); err == nil && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	if b, err := base64.StdEncoding.DecodeString(text); err == nil && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	return nil, errors.New("unrecognized public key encoding")
}
