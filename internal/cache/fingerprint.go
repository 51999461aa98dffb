package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint produces a stable cache key from the semantically relevant
// parameters of a request. Values are canonicalized through JSON (map keys
// are sorted by encoding/json), so identical parameters always hash the same.
func Fingerprint(parts ...interface{}) string {
	h := sha256.New()
	for _, part := range parts {
		data, err := json.Marshal(part)
		if err != nil {
			// Unmarshalable values (channels, funcs) fall back to their
			// formatted representation rather than failing the lookup
			data = []byte(fmt.Sprintf("%#v", part))
		}
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
