// Package shard maps entity identifiers onto shards.
//
// The mapping is an on-disk format: entity id hashes are persisted in the
// outbox table and shard predicates are evaluated against them, so neither
// Hash nor the range table may ever change output for a given input.
package shard

import (
	"github.com/spaolacci/murmur3"
	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Hash returns the 32-bit Murmur3 (seed 0) hash of the UTF-16LE code units of
// id, as a signed integer.
func Hash(id string) int32 {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(id))
	if err != nil {
		// Only reachable with invalid UTF-8; hash the raw bytes instead.
		encoded = []byte(id)
	}
	return int32(murmur3.Sum32(encoded))
}
