package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
)

// checksumPattern matches checksum pairs with a non-empty value. Every match
// is stripped from the raw query; an empty "checksum=" stays in and fails
// validation. The optional leading & means a request that sent checksum
// first keeps a stray & at the start of the remainder; clients sign against
// exactly that remainder, so it must be preserved.
var checksumPattern = regexp.MustCompile(`&?checksum=([^&]+)`)

// splitChecksum extracts the checksum value and returns the rest of the raw
// query byte-for-byte. With repeated checksum parameters the last value
// wins, matching how the original request parser resolves duplicates.
func splitChecksum(rawQuery string) (checksum, rest string) {
	matches := checksumPattern.FindAllStringSubmatch(rawQuery, -1)
	if len(matches) == 0 {
		return "", rawQuery
	}
	checksum = matches[len(matches)-1][1]
	return checksum, checksumPattern.ReplaceAllString(rawQuery, "")
}

// validChecksum accepts SHA-1 signatures, the algorithm BBB clients use, and
// SHA-256 for clients that have moved on.
func (s *Server) validChecksum(endpoint, rawQuery string) bool {
	checksum, rest := splitChecksum(rawQuery)
	if checksum == "" {
		return false
	}

	payload := endpoint + rest + s.cfg.Secret

	want := bbb.Checksum(endpoint, rest, s.cfg.Secret)
	if subtle.ConstantTimeCompare([]byte(want), []byte(checksum)) == 1 {
		return true
	}

	sum256 := sha256.Sum256([]byte(payload))
	want = hex.EncodeToString(sum256[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(checksum)) == 1
}
