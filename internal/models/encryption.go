package models

// Encryption parameters for at-rest protection of message bodies and
// participant numbers. AES-256-GCM with a PBKDF2-derived key.
const (
	NonceSize  = 12
	KeySize    = 32
	Iterations = 100000
)
