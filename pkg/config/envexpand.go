package config

import (
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references in the raw YAML with the value of the
// environment variable VAR. Only the braced form is expanded, so a bare $ in
// a secret or URL passes through untouched.
//
// Examples:
//   - ${DB_PASSWORD} → value of DB_PASSWORD
//   - ${DB_HOST}:${DB_PORT} → hostname:port with both variables expanded
//
// Missing variables expand to the empty string. Validation catches required
// fields left empty.
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
