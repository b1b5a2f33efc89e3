package crypto

import "golang.org/x/crypto/bcrypt"

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// dummyHash is a bcrypt hash of an unguessable throwaway value. Comparing
// against it keeps the unknown-email login path in the same timing envelope
// as a real password mismatch.
var dummyHash = func() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("mentorhub-dummy-credential"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(hash)
}()

func DummyCompare(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
