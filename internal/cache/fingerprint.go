package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// permanentNoCacheHosts are hosts whose content is never cached, regardless
// of configuration: suffix-matched (exact, or preceded by a '.').
var permanentNoCacheHosts = []string{
	"icloud.com",
	"apple.com",
	"icloud-content.com",
	"me.com",
}

// IsPermanentNoCacheHost reports whether host matches the built-in no-cache
// suffix list.
func IsPermanentNoCacheHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range permanentNoCacheHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ConfigHash returns an 8-hex-digit digest of the serialized effective
// config, used as a prefix input to Fingerprint so that any configuration
// change invalidates the cache for affected requests.
func ConfigHash(serializedConfig string) string {
	sum := sha256.Sum256([]byte(serializedConfig))
	return hex.EncodeToString(sum[:])[:8]
}

// Fingerprint computes the stable cache key for an entry: SHA-256 of the
// tuple (clientAddress?, configHash, url, contentType). clientAddress may be
// empty when the entry is client-independent.
func Fingerprint(clientAddress, configHash, url, contentType string) string {
	h := sha256.New()
	h.Write([]byte(clientAddress))
	h.Write([]byte{0})
	h.Write([]byte(configHash))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	return hex.EncodeToString(h.Sum(nil))
}

// Shard returns the first two hex characters of a fingerprint, used as the
// file tier's directory shard.
func Shard(fingerprint string) string {
	if len(fingerprint) < 2 {
		return fingerprint
	}
	return fingerprint[:2]
}
