package scan

import (
	"encoding/json"
	"strings"
)

// PayloadType is the discriminator an attendance QR code must carry. The
// camera routinely picks up unrelated codes (URLs, wifi configs), so
// anything that does not match this tag is plain noise.
const PayloadType = "attendance"

// Payload is the decoded content of an attendance QR code.
type Payload struct {
	RecordID    int64
	DisplayName string
}

// wirePayload mirrors the JSON the issuing system embeds in the code.
// issued_at and nonce are accepted but not validated here; verifying them
// is the issuer's job.
type wirePayload struct {
	Type     string `json:"type"`
	RecordID *int64 `json:"record_id"`
	FullName string `json:"full_name"`
	IssuedAt string `json:"issued_at"`
	Nonce    string `json:"nonce"`
}

// ParsePayload parses raw decoded text into a Payload. The second return is
// false for anything that is not a well-formed attendance payload: non-JSON
// text, a wrong discriminator, a missing record id, or a blank name. None of
// those are errors, the caller just moves on to the next frame.
func ParsePayload(raw string) (Payload, bool) {
	var w wirePayload
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Payload{}, false
	}
	if w.Type != PayloadType {
		return Payload{}, false
	}
	if w.RecordID == nil || *w.RecordID <= 0 {
		return Payload{}, false
	}
	name := strings.TrimSpace(w.FullName)
	if name == "" {
		return Payload{}, false
	}
	return Payload{RecordID: *w.RecordID, DisplayName: name}, true
}
