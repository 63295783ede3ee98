// Package util provides shared logging, statistics and identification helpers.
package util

import (
	"hash/fnv"
	"sync/atomic"
)

var connSeq atomic.Uint32

// ConnID derives a 4-byte identifier for log lines from the peer address.
// A process-wide sequence number is mixed in so that two sessions from the
// same peer address stay distinguishable. It is not reversible.
func ConnID(remoteAddr string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(remoteAddr))
	n := connSeq.Add(1)
	h.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	return h.Sum32()
}
