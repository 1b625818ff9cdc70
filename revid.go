package revdb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ParseRevID splits a revision ID of the form "<generation>-<digest>".
func ParseRevID(revID string) (gen uint64, digest string, err error) {
	genStr, digest, ok := strings.Cut(revID, "-")
	if !ok || genStr == "" || digest == "" {
		return 0, "", errf(ErrBadRevisionID, nil, "bad revision ID %q", revID)
	}
	gen, err = strconv.ParseUint(genStr, 10, 64)
	if err != nil || gen == 0 {
		return 0, "", errf(ErrBadRevisionID, err, "bad revision ID %q", revID)
	}
	return gen, digest, nil
}

// RevIDGeneration returns the generation of revID, or 0 if it does not parse.
func RevIDGeneration(revID string) uint64 {
	gen, _, err := ParseRevID(revID)
	if err != nil {
		return 0
	}
	return gen
}

// CompareRevIDs orders revision IDs by generation, then by digest bytes.
// The greater ID wins a conflict.
func CompareRevIDs(a, b string) int {
	ga, da, erra := ParseRevID(a)
	gb, db, errb := ParseRevID(b)
	if erra != nil || errb != nil {
		return strings.Compare(a, b)
	}
	switch {
	case ga < gb:
		return -1
	case ga > gb:
		return 1
	}
	return strings.Compare(da, db)
}

// generateRevID derives the ID of a child of parentRevID ("" for a root)
// from the content of the new revision.
func generateRevID(parentRevID string, deleted bool, body []byte) string {
	d := xxhash.New()
	d.WriteString(parentRevID)
	if deleted {
		d.Write([]byte{1})
	} else {
		d.Write([]byte{0})
	}
	d.Write(body)

	gen := RevIDGeneration(parentRevID) + 1
	return fmt.Sprintf("%d-%016x", gen, d.Sum64())
}
