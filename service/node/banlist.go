package node

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/ironpeak/tinybit/database/chaind"
)

// MergeBanLists combines a locally held ban list with one received from a
// peer: per address keep the entry with the strictly later unban timestamp
// (0 means permanent and dominates any finite timestamp), and drop entries
// whose ban has already expired as of now.
func MergeBanLists(local, remote []chaind.BanEntry, nowUnix uint64) []chaind.BanEntry {
	byAddr := make(map[string]chaind.BanEntry, len(local)+len(remote))

	consider := func(e chaind.BanEntry) {
		if e.Expired(nowUnix) {
			return
		}
		existing, ok := byAddr[e.Address]
		if !ok || banDominates(e, existing) {
			byAddr[e.Address] = e
		}
	}
	for _, e := range local {
		consider(e)
	}
	for _, e := range remote {
		consider(e)
	}

	merged := make([]chaind.BanEntry, 0, len(byAddr))
	for _, e := range byAddr {
		merged = append(merged, e)
	}
	sortBanEntries(merged)
	return merged
}

// banDominates reports whether candidate should replace incumbent for the
// same address: a permanent ban (timestamp 0) always dominates, otherwise
// the strictly later timestamp wins.
func banDominates(candidate, incumbent chaind.BanEntry) bool {
	if candidate.UnbanTimestamp == 0 {
		return true
	}
	if incumbent.UnbanTimestamp == 0 {
		return false
	}
	return candidate.UnbanTimestamp > incumbent.UnbanTimestamp
}

func sortBanEntries(entries []chaind.BanEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Address != entries[j].Address {
			return entries[i].Address < entries[j].Address
		}
		return entries[i].UnbanTimestamp < entries[j].UnbanTimestamp
	})
}

// HashBanList returns a deterministic digest of entries, used by peers to
// detect divergence without exchanging the full list. Entries are sorted by
// (address, unban_timestamp) before hashing so the result is independent of
// slice order.
func HashBanList(entries []chaind.BanEntry) [32]byte {
	sorted := make([]chaind.BanEntry, len(entries))
	copy(sorted, entries)
	sortBanEntries(sorted)

	h := sha256.New()
	var tsBuf [8]byte
	for _, e := range sorted {
		h.Write([]byte(e.Address))
		binary.LittleEndian.PutUint64(tsBuf[:], e.UnbanTimestamp)
		h.Write(tsBuf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
