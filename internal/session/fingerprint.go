package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// ComputeFingerprint identifies a conversation by its first user turn and its
// first assistant turn. It depends on content only, so two conversations that
// open with identical exchanges share a fingerprint.
func ComputeFingerprint(firstUser, firstAssistant string) string {
	h := sha256.New()
	writeField(h, firstUser)
	writeField(h, firstAssistant)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// firstMessageKey is the index value for fallback lookup.
func firstMessageKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// writeField length-prefixes s so ("ab","c") and ("a","bc") differ.
func writeField(w io.Writer, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = w.Write(n[:])
	_, _ = io.WriteString(w, s)
}
