package protocol

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

// ErrEmptyKey is returned when signing with missing key material.
var ErrEmptyKey = errors.New("signing key is empty")

// signingPayload is the subset of Command fields that are signed.
// A dedicated struct ensures deterministic JSON marshal order.
type signingPayload struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	KeyID     string         `json:"key_id"`
	IssuedAt  int64          `json:"issued_at"`
	Nonce     string         `json:"nonce"`
	Algorithm string         `json:"alg"`
}

// CanonicalBytes returns the bytes a command signature is computed over.
func CanonicalBytes(cmd *Command) ([]byte, error) {
	return json.Marshal(signingPayload{
		ID:        cmd.ID,
		Command:   cmd.Command,
		Payload:   cmd.Payload,
		Source:    cmd.Source,
		KeyID:     cmd.KeyID,
		IssuedAt:  cmd.IssuedAt,
		Nonce:     cmd.Nonce,
		Algorithm: cmd.Algorithm,
	})
}

// SignCommand computes an HMAC-SHA256 signature with the shared secret identified
// by keyID and sets cmd.KeyID, cmd.Algorithm and cmd.Signature.
func SignCommand(cmd *Command, keyID, secret string) error {
	if secret == "" {
		return ErrEmptyKey
	}
	cmd.KeyID = keyID
	cmd.Algorithm = AlgHMACSHA256
	canonical, err := CanonicalBytes(cmd)
	if err != nil {
		return err
	}
	cmd.Signature = hex.EncodeToString(hmacSum([]byte(secret), canonical))
	return nil
}

// SignCommandEd25519 signs the command with an Ed25519 private key.
func SignCommandEd25519(cmd *Command, keyID string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return ErrEmptyKey
	}
	cmd.KeyID = keyID
	cmd.Algorithm = AlgEd25519
	canonical, err := CanonicalBytes(cmd)
	if err != nil {
		return err
	}
	cmd.Signature = hex.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

// VerifyHMAC checks the HMAC-SHA256 signature on a command.
// Unsigned commands and empty secrets never verify.
func VerifyHMAC(cmd *Command, secret []byte) bool {
	if len(secret) == 0 || cmd.Signature == "" || cmd.Algorithm != AlgHMACSHA256 {
		return false
	}
	got, err := hex.DecodeString(cmd.Signature)
	if err != nil {
		return false
	}
	canonical, err := CanonicalBytes(cmd)
	if err != nil {
		return false
	}
	return hmac.Equal(hmacSum(secret, canonical), got)
}

// VerifyEd25519 checks the Ed25519 signature on a command.
// Unsigned commands and malformed public keys never verify.
func VerifyEd25519(cmd *Command, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || cmd.Signature == "" || cmd.Algorithm != AlgEd25519 {
		return false
	}
	sig, err := hex.DecodeString(cmd.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	canonical, err := CanonicalBytes(cmd)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

func hmacSum(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
