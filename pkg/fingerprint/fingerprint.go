// Package fingerprint hashes the mutable fields of an account observation so
// replays of an unchanged draft are detected without comparing field by field.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Ramsey-B/clover/pkg/models"
)

// identityFields never change for an account and do not participate in the fingerprint
var identityFields = map[string]bool{
	"tenant_id":   true,
	"system":      true,
	"external_id": true,
	"observed_at": true,
}

// Draft returns the fingerprint of the mutable fields of d
func Draft(d models.ExternalAccountDraft) string {
	data, _ := json.Marshal(d)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return GenerateWithExclusions(m, identityFields)
}

// Generate is a SHA256 of the canonical JSON of data
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions fingerprints data without the listed dot-notation
// paths. Excluding a path excludes everything nested below it.
func GenerateWithExclusions(data map[string]any, exclude map[string]bool) string {
	var b strings.Builder
	canonicalize(&b, data, exclude, "")
	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

func canonicalize(b *strings.Builder, data any, exclude map[string]bool, path string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		first := true
		for _, k := range keys {
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			if excluded(fieldPath, exclude) {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			key, _ := json.Marshal(k)
			b.Write(key)
			b.WriteByte(':')
			canonicalize(b, v[k], exclude, fieldPath)
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			canonicalize(b, item, exclude, path)
		}
		b.WriteByte(']')
	default:
		raw, _ := json.Marshal(v)
		b.Write(raw)
	}
}

func excluded(path string, exclude map[string]bool) bool {
	if exclude[path] {
		return true
	}
	for e := range exclude {
		if strings.HasPrefix(path, e+".") {
			return true
		}
	}
	return false
}
