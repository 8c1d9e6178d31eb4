package buildreq

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// signatureFields is everything that changes the produced ROM. The join
// order is normative: the signature is persisted and compared across
// processes, so reordering fields would orphan every reusable artifact.
type signatureFields struct {
	Target            string
	SourceCommit      string
	SourceFirmware    string
	TargetFirmware    string
	VersionMajor      int
	VersionMinor      int
	VersionPatch      int
	VersionSuffix     string
	ExtraMods         string
	Debloat           string
	DebloatAddSystem  string
	DebloatAddProduct string
	Mods              string
	FF                string
}

// computeSignature hashes the joined fields with SHA-256 and truncates to
// 160 bits of hex.
func computeSignature(f signatureFields) string {
	payload := strings.Join([]string{
		f.Target,
		f.SourceCommit,
		f.SourceFirmware,
		f.TargetFirmware,
		strconv.Itoa(f.VersionMajor),
		strconv.Itoa(f.VersionMinor),
		strconv.Itoa(f.VersionPatch),
		f.VersionSuffix,
		f.ExtraMods,
		f.Debloat,
		f.DebloatAddSystem,
		f.DebloatAddProduct,
		f.Mods,
		f.FF,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:40]
}

// shortDigest is the 64-bit digest applied to each serialized override
// payload before it enters the signature.
func shortDigest(payload string) string {
	if payload == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
