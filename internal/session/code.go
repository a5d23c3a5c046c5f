package session

import (
	"crypto/rand"
	"math/big"
)

// CodeLength is the length of generated private session codes.
const CodeLength = 10

// safeCharset excludes visually ambiguous characters (0/O, 1/l/I) so codes
// survive being read aloud or retyped.
const safeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GenerateCode returns a random code of length n drawn uniformly from the
// safe alphabet. crypto/rand.Int samples without modulo bias.
func GenerateCode(n int) (string, error) {
	max := big.NewInt(int64(len(safeCharset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = safeCharset[idx.Int64()]
	}
	return string(out), nil
}
