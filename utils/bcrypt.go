package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword produces a bcrypt hash of a user's password at the default
// cost. Stored as-is on the user row.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// ComparePassword checks a login attempt against the stored hash and returns
// bcrypt's mismatch error on failure.
func ComparePassword(hashed string, attempt string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(attempt))
}
