package rendezvous

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	idMin = 100000
	idMax = 999999
)

// NewID returns a code drawn uniformly from [100000, 999999].
func NewID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(idMax-idMin+1))
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return strconv.FormatInt(n.Int64()+idMin, 10)
}

// ValidID reports whether s has the shape of a code: exactly six ASCII digits
// without a leading zero.
func ValidID(s string) bool {
	if len(s) != 6 || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
