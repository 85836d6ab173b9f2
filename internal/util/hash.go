// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
)

// CallTag computes a short, stable tag from a call ID for log correlation.
// Call IDs are server-issued and may be long; the tag only needs to tell
// concurrent calls apart in a terminal and does not need to be reversible.
func CallTag(callID string) string {
	if callID == "" {
		return "--------"
	}
	h := fnv.New32a()
	h.Write([]byte(callID))
	return fmt.Sprintf("%08x", h.Sum32())
}
