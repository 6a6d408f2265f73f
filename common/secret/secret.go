// Package secret vends password hashing for password-gated content.
package secret

import (
	"golang.org/x/crypto/bcrypt"
	se "wuyrush.io/linkvault/errors"
)

// Hasher hashes and verifies content passwords
type Hasher interface {
	Hash(plain string) (string, *se.Err)
	// Verify reports whether plain matches hash. A mismatch is not an error
	Verify(hash, plain string) (bool, *se.Err)
}

// BcryptHasher is a Hasher backed by bcrypt
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(plain string) (string, *se.Err) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		if err == bcrypt.ErrPasswordTooLong {
			return "", se.NewBadInput("password too long").WithCause(err)
		}
		return "", se.NewServiceFailure("error hashing password").WithCause(err)
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(hash, plain string) (bool, *se.Err) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	switch err {
	case nil:
		return true, nil
	case bcrypt.ErrMismatchedHashAndPassword:
		return false, nil
	default:
		return false, se.NewServiceFailure("error verifying password").WithCause(err)
	}
}
