package approvals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// caseIDBytes is the number of SHA-256 bytes kept in a case ID.
const caseIDBytes = 16

type requestFingerprint struct {
	ProfileID          string      `json:"profile_id"`
	CAID               int         `json:"ca_id"`
	EndEntityProfileID int         `json:"end_entity_profile_id"`
	Action             GatedAction `json:"action"`
}

// ComputeID derives the case ID from the request content. Re-submitting the
// same request yields the same ID; editing the content yields a new one. The
// editor is not part of the content.
func ComputeID(profileID string, caID, endEntityProfileID int, action GatedAction) (string, error) {
	action.Editor = nil
	raw, err := json.Marshal(requestFingerprint{
		ProfileID:          profileID,
		CAID:               caID,
		EndEntityProfileID: endEntityProfileID,
		Action:             action,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:caseIDBytes]), nil
}
