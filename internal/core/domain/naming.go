package domain

import "strings"

// StageQualifiedName appends the stage suffix to a material identifier.
// Idempotent: an identifier already carrying the exact suffix is returned
// verbatim, so re-applying the rule can never double-suffix. Material
// identifiers may contain arbitrary printable characters and are preserved
// as-is.
func StageQualifiedName(materialID, stage string) string {
	suffix := "_" + stage
	if strings.HasSuffix(materialID, suffix) {
		return materialID
	}
	return materialID + suffix
}
