package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	signatureHeader = "X-Webhook-Signature"
	timestampHeader = "X-Webhook-Timestamp"
)

// verifySignature authenticates a webhook request and returns its body.
// The signature is sha256=<hex> over the raw body with the shared secret;
// the timestamp header bounds replay.
func verifySignature(r *http.Request, secretKey string, maxSkew time.Duration) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	if secretKey == "" {
		if os.Getenv("SMSBRIDGE_ENV") == "production" {
			return nil, fmt.Errorf("webhook secret is required in production mode")
		}
		return body, nil
	}

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("missing signature header: %s", signatureHeader)
	}
	parts := strings.SplitN(sig, "=", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "sha256" {
		return nil, fmt.Errorf("invalid signature format in header %s", signatureHeader)
	}
	expectedSignatureHex := parts[1]

	ts := r.Header.Get(timestampHeader)
	if ts == "" {
		return nil, fmt.Errorf("missing timestamp header: %s", timestampHeader)
	}
	tsSec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp header: %w", err)
	}
	skew := time.Since(time.Unix(tsSec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return nil, fmt.Errorf("webhook timestamp outside allowed skew")
	}

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	computedSignatureHex := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computedSignatureHex), []byte(expectedSignatureHex)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	return body, nil
}
