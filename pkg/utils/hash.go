package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashJoinCode hashes a private-session join code using bcrypt.
func HashJoinCode(code string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckJoinCode compares a plain join code with its hash.
func CheckJoinCode(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
