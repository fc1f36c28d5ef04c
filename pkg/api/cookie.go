package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/conferencetools/bbb-loadbalancer/pkg/bbb"
	"github.com/conferencetools/bbb-loadbalancer/pkg/rcp"
)

const joinCookieName = "bbb_join"

var (
	errCookieMalformed = errors.New("join cookie malformed")
	errCookieChecksum  = errors.New("join cookie checksum mismatch")
)

// encodeJoinCookie serializes the join parameters with a salted checksum so
// rejoin can trust them later. Base64 keeps the JSON cookie-safe.
func encodeJoinCookie(params *bbb.Params, secret string) string {
	payload := make(map[string]any, params.Len()+1)
	for k, v := range params.Map() {
		payload[k] = v
	}
	payload["checksum"] = rcp.Sign(payload, secret, rcp.SaltRejoin)

	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeJoinCookie validates the cookie and returns the original join
// parameters.
func decodeJoinCookie(value, secret string) (map[string]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, errCookieMalformed
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errCookieMalformed
	}

	checksum, _ := payload["checksum"].(string)
	if !rcp.Validate(payload, checksum, secret, rcp.SaltRejoin) {
		return nil, errCookieChecksum
	}

	params := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "checksum" {
			continue
		}
		if str, ok := v.(string); ok {
			params[k] = str
		}
	}
	return params, nil
}
