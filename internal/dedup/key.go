// Package dedup produces the stable message fingerprints used by the ledger
// to recognize a previously-processed message. The local transport's own
// message id is the authoritative dedup signal when available; these
// content-based keys are the fallback for messages whose local id is not yet
// known.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// FingerprintLength is the truncated body hash length in hex characters.
const FingerprintLength = 16

// NormalizeBody trims the body and collapses internal whitespace runs to a
// single space so that formatting-only differences produce the same key.
func NormalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// BodyFingerprint returns the first 16 hex characters of the sha256 of the
// normalized body. Truncation bounds key length; collision probability is
// negligible within a single conversation and timestamp.
func BodyFingerprint(body string) string {
	sum := sha256.Sum256([]byte(NormalizeBody(body)))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// GenerateKey computes the 64-hex-character dedup key for a message. The
// conversation id is part of the input so identical text sent to different
// threads at the same instant yields distinct keys. Pure function: same
// inputs always produce the same key.
func GenerateKey(conversationID string, timestampMillis int64, body string) string {
	material := conversationID + "|" + strconv.FormatInt(timestampMillis, 10) + "|" + BodyFingerprint(body)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
