package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactRecord replaces direct identifiers with salted hashes. Role, path,
// and outcome fields stay in the clear: they carry the diagnostic value.
func redactRecord(rec Record, salt []byte) Record {
	rec.UserID = hashString(rec.UserID, salt)
	rec.TenantID = hashString(rec.TenantID, salt)
	rec.ClientIP = hashString(rec.ClientIP, salt)
	return rec
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
