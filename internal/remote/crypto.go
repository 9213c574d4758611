package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key
	// derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// DeriveKeyHash derives the account key hash sent to the server during
// the subscribe handshake: hex(SHA-256(scrypt(password, salt))). The
// server uses it to verify the client holds the account password
// without the password ever crossing the websocket. Both inputs are
// normalized to NFKC before hashing so the same passphrase typed on a
// device with a different composition form derives the same key.
func DeriveKeyHash(password, salt string) (string, error) {
	password = norm.NFKC.String(password)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("deriving key: %w", err)
	}

	h := sha256.Sum256(key)

	return hex.EncodeToString(h[:]), nil
}
