package mysql

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	lowercase = "abcdefghijklmnopqrstuvwxyz"
	uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits    = "0123456789"
	alphabet  = lowercase + uppercase + digits
)

// GeneratePassword returns an n character alphanumeric password containing at
// least one lowercase letter, one uppercase letter and one digit.
// r is normally crypto/rand.Reader.
func GeneratePassword(r io.Reader, n int) (string, error) {
	if n < 3 {
		return "", fmt.Errorf("password length must be at least 3 (got %d)", n)
	}

	buf := make([]byte, 0, n)
	for _, set := range []string{lowercase, uppercase, digits} {
		c, err := pick(r, set)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < n {
		c, err := pick(r, alphabet)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	// Fisher-Yates so the guaranteed classes are not always first
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randInt(r, i+1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

func pick(r io.Reader, set string) (byte, error) {
	i, err := randInt(r, len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randInt(r io.Reader, max int) (int, error) {
	v, err := rand.Int(r, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return int(v.Int64()), nil
}
