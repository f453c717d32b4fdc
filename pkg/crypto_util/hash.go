package crypto_util

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// CalculateSHA256 returns the hex SHA-256 of data.
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ContentDigest renders an RFC 9530 Content-Digest value ("sha-256=:<b64>:").
func ContentDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(hash[:]) + ":"
}

// CalculateKeccak256 is the Ethereum hash, hex encoded.
func CalculateKeccak256(data []byte) string {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(data)
	return hex.EncodeToString(hash.Sum(nil))
}

// CalculateBlake3 fingerprints queued payloads; fast and collision resistant.
func CalculateBlake3(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}
