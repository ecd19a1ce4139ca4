// Package cidutil derives content identifiers for challenge payloads and
// archived submission records.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Of returns the CIDv1 (raw multicodec, sha2-256 multihash) of data.
func Of(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// String returns Of(data) in its default string form, or "" if hashing fails.
func String(data []byte) string {
	id, err := Of(data)
	if err != nil {
		// unreachable for SHA2_256 with default length
		return ""
	}
	return id.String()
}

// Matches reports whether s parses as a CID and addresses data.
func Matches(s string, data []byte) bool {
	want, err := cid.Decode(s)
	if err != nil {
		return false
	}
	got, err := Of(data)
	if err != nil {
		return false
	}
	return want.Equals(got)
}
