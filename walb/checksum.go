/*
 * Created:       Tue Aug  4 09:22:00 2026 wtools
 *
 */

package walb

import "github.com/dgryski/go-farm"

// Checksum computes the salted checksum used by WlogPack headers and
// per-IO payloads (spec §3, §6). The teacher's go.mod already carries
// dgryski/go-farm as an indirect dependency of badger; it is promoted
// to a direct one here rather than hand-rolling the original's
// bespoke walb checksum.
func Checksum(salt uint32, data []byte) uint32 {
	return farm.Hash32WithSeed(data, salt)
}

// VerifyChecksum reports whether data matches the given salted
// checksum.
func VerifyChecksum(salt uint32, data []byte, checksum uint32) bool {
	return Checksum(salt, data) == checksum
}
