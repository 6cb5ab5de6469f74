// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package auth

// primaryKeys are the hardware attributes compared first when recognising a
// returning Volunteer; a match on at least three of these is sufficient on
// its own.
var primaryKeys = []string{
	"cpu_model",
	"cpu_cores",
	"os_architecture",
	"total_ram_mb",
	"available_storage_gb",
}

// secondaryKeys are consulted only when the primary keys alone fall short of
// three matches, widening the comparison to the union of both sets.
var secondaryKeys = []string{
	"hostname",
	"operating_system",
	"cpu_max_frequency",
	"bios_serial",
}

// countMatches returns how many of keys are present and equal in both maps.
func countMatches(a, b map[string]string, keys []string) int {
	n := 0
	for _, k := range keys {
		v, ok := a[k]
		if !ok || v == "" {
			continue
		}
		if b[k] == v {
			n++
		}
	}
	return n
}

func hasAny(m map[string]string, keys []string) bool {
	for _, k := range keys {
		if m[k] != "" {
			return true
		}
	}
	return false
}

// fingerprintsMatch reports whether candidate identifies the same physical
// machine as existing: a hit on at least three primary keys, or, when the
// primary keys alone fall short and secondary attributes were supplied, a hit
// on at least three keys drawn from their union.
func fingerprintsMatch(candidate, existing map[string]string) bool {
	primary := countMatches(candidate, existing, primaryKeys)
	if primary >= 3 {
		return true
	}
	if !hasAny(candidate, secondaryKeys) {
		return false
	}
	return primary+countMatches(candidate, existing, secondaryKeys) >= 3
}

// findFingerprintMatch scans volunteers for the one whose MachineFingerprint
// matches candidate, returning false if none does. It is a linear scan
// because matching is a fuzzy per-field comparison, not an equality lookup a
// store index can serve.
func findFingerprintMatch(volunteers []volunteerFingerprint, candidate map[string]string) (string, bool) {
	for _, v := range volunteers {
		if fingerprintsMatch(candidate, v.Fingerprint) {
			return v.ID, true
		}
	}
	return "", false
}

// volunteerFingerprint is the narrow projection findFingerprintMatch needs.
type volunteerFingerprint struct {
	ID          string
	Fingerprint map[string]string
}
