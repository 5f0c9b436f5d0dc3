// Package cache stores completed chat responses in Redis, keyed by a
// canonical fingerprint of the request so equivalent requests hit the same
// entry regardless of field order in the client JSON.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	gateway "github.com/tollgate-io/tollgate/internal"
)

const keyVersion = "v1"

// Cacheable reports whether a request is eligible for caching. Streaming
// requests and requests with a non-zero temperature are not deterministic
// enough to cache.
func Cacheable(req *gateway.ChatRequest) bool {
	if req.Stream {
		return false
	}
	return req.Temperature == nil || *req.Temperature == 0
}

// Fingerprint returns the hex SHA-256 of the canonical request encoding.
// The stream flag is forced to false so a streamed and non-streamed request
// for the same content share a fingerprint.
func Fingerprint(req *gateway.ChatRequest) string {
	sum := sha256.Sum256([]byte(canonical(req)))
	return hex.EncodeToString(sum[:])
}

// Key returns the Redis key for a tenant's cached response.
func Key(tenantID, fingerprint string) string {
	return fmt.Sprintf("cache:chat:%s:%s:%s", keyVersion, tenantID, fingerprint)
}

// canonical encodes the request as JSON with object keys in sorted order
// and no insignificant whitespace. Optional fields are omitted when unset
// so a request with temperature absent and one with it never-set encode
// identically.
func canonical(req *gateway.ChatRequest) string {
	var b strings.Builder
	b.WriteByte('{')

	fields := make([]string, 0, 5)

	if req.MaxTokens != nil {
		fields = append(fields, fmt.Sprintf(`"max_tokens":%d`, *req.MaxTokens))
	}

	var msgs strings.Builder
	msgs.WriteString(`"messages":[`)
	for i, m := range req.Messages {
		if i > 0 {
			msgs.WriteByte(',')
		}
		fmt.Fprintf(&msgs, `{"content":%s,"role":%s}`, quoteJSON(m.Content), quoteJSON(m.Role))
	}
	msgs.WriteByte(']')
	fields = append(fields, msgs.String())

	fields = append(fields, fmt.Sprintf(`"model":%s`, quoteJSON(req.Model)))
	fields = append(fields, `"stream":false`)
	if req.Temperature != nil {
		fields = append(fields, fmt.Sprintf(`"temperature":%g`, *req.Temperature))
	}

	sort.Strings(fields)
	b.WriteString(strings.Join(fields, ","))
	b.WriteByte('}')
	return b.String()
}

// quoteJSON escapes a string as a JSON string literal.
func quoteJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
