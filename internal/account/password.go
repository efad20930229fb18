package account

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password CreateAccount accepts.
const MinPasswordLength = 8

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// dummyHash is compared against when the email is unknown so a failed login
// costs the same either way.
var dummyHash = sync.OnceValue(func() []byte {
	b, _ := bcrypt.GenerateFromPassword([]byte("medflow-dummy-password"), bcrypt.DefaultCost)
	return b
})
