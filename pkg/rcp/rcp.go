// Package rcp implements the salted request-checksum protocol shared with
// the recording player service and the monitoring clients.
//
// A checksum is an HMAC-SHA256 keyed with the shared secret over the salt
// followed by the request's sorted key=value pairs. Endpoints that need
// replay protection append the unix time quantized to a window; validation
// then accepts the current and the previous window.
package rcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Salts namespace the checksums so a signature for one endpoint can never
// be replayed against another.
const (
	SaltRejoin           = "rejoin"
	SaltGetRecordings    = "getRecordings"
	SaltDeleteRecordings = "deleteRecordings"
	SaltGetServers       = "getServers"
)

// canonical renders params deterministically: keys sorted, string values
// verbatim, everything else JSON-encoded. The "checksum" key is never part
// of the signed material.
func canonical(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "checksum" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+renderValue(params[k]))
	}
	return strings.Join(parts, "&")
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func digest(secret, salt, body, timePart string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(salt))
	mac.Write([]byte(body))
	if timePart != "" {
		mac.Write([]byte("&" + timePart))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the checksum for params without a time component.
func Sign(params map[string]any, secret, salt string) string {
	return digest(secret, salt, canonical(params), "")
}

// SignWithTime computes the checksum including the current time window.
func SignWithTime(params map[string]any, secret, salt string, window time.Duration) string {
	return signAt(params, secret, salt, window, time.Now())
}

func signAt(params map[string]any, secret, salt string, window time.Duration, now time.Time) string {
	bucket := now.Unix() / int64(window/time.Second)
	return digest(secret, salt, canonical(params), strconv.FormatInt(bucket, 10))
}

// Validate checks a checksum computed without a time component.
func Validate(params map[string]any, checksum, secret, salt string) bool {
	want := Sign(params, secret, salt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(checksum)) == 1
}

// ValidateWithTime checks a time-bound checksum, accepting the current and
// the immediately preceding window.
func ValidateWithTime(params map[string]any, checksum, secret, salt string, window time.Duration) bool {
	now := time.Now()
	for _, at := range []time.Time{now, now.Add(-window)} {
		want := signAt(params, secret, salt, window, at)
		if subtle.ConstantTimeCompare([]byte(want), []byte(checksum)) == 1 {
			return true
		}
	}
	return false
}
