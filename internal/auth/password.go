package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = bcrypt.DefaultCost

func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// dummyHash is compared against when the username does not exist, so a
// login attempt costs one bcrypt round either way.
var dummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("unichat-dummy-password"), bcryptCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()
