// Package meroot implements the SHA-256 hash-chaining scheme shared by the
// ledger WAL (internal/mce) and the audit log (internal/audit): every
// record's checksum commits to the previous record's checksum, so any
// mutation of history is detectable by re-verification from genesis.
package meroot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Genesis is the prev_hash value used for the first record in a chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// Checksum computes SHA-256(prevHash || canonical-json(payload)) and
// returns the hex-encoded digest. payload must already exclude any
// checksum field — checksums never cover themselves.
func Checksum(prevHash string, payload any) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON re-marshals through a map so struct field order never
// leaks into the hash input — encoding/json sorts map keys.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Link is one entry in a hash chain: anything with a previous hash and a
// checksum over (previous hash, self).
type Link interface {
	PrevHash() string
	Checksum() string
}

// Verify walks a chain front-to-back, recomputing each checksum from the
// previous link's checksum and the payload function, and confirms it
// matches both the stored checksum and the next link's declared PrevHash.
// payloadOf must return the same value that was hashed when the link was
// created (the record without its own checksum field).
func Verify[T Link](chain []T, payloadOf func(T) any) (bool, int) {
	prev := Genesis
	for i, link := range chain {
		if link.PrevHash() != prev {
			return false, i
		}
		sum, err := Checksum(prev, payloadOf(link))
		if err != nil || sum != link.Checksum() {
			return false, i
		}
		prev = link.Checksum()
	}
	return true, -1
}
