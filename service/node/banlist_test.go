package node

import (
	"testing"

	"github.com/ironpeak/tinybit/database/chaind"
)

func findEntry(entries []chaind.BanEntry, addr string) (chaind.BanEntry, bool) {
	for _, e := range entries {
		if e.Address == addr {
			return e, true
		}
	}
	return chaind.BanEntry{}, false
}

func TestMergeBanListsLaterTimestampWins(t *testing.T) {
	now := uint64(1_700_000_000)
	local := []chaind.BanEntry{
		{Address: "10.0.0.1", UnbanTimestamp: now + 3600},
		{Address: "10.0.0.2", UnbanTimestamp: now + 7200},
	}
	remote := []chaind.BanEntry{
		{Address: "10.0.0.1", UnbanTimestamp: now + 7200},
		{Address: "10.0.0.3", UnbanTimestamp: now + 1800},
	}

	merged := MergeBanLists(local, remote, now)
	if len(merged) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(merged))
	}
	a, ok := findEntry(merged, "10.0.0.1")
	if !ok {
		t.Fatal("10.0.0.1 missing from merge")
	}
	if a.UnbanTimestamp != now+7200 {
		t.Fatalf("expected later unban %d for 10.0.0.1, got %d", now+7200, a.UnbanTimestamp)
	}
}

func TestMergeBanListsPermanentDominates(t *testing.T) {
	now := uint64(1_700_000_000)
	local := []chaind.BanEntry{{Address: "10.0.0.1", UnbanTimestamp: now + 3600}}
	remote := []chaind.BanEntry{{Address: "10.0.0.1", UnbanTimestamp: 0, Reason: "permanent"}}

	merged := MergeBanLists(local, remote, now)
	if len(merged) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(merged))
	}
	if merged[0].UnbanTimestamp != 0 {
		t.Fatalf("permanent ban should dominate, got unban %d", merged[0].UnbanTimestamp)
	}

	// Order of arguments must not matter.
	merged = MergeBanLists(remote, local, now)
	if merged[0].UnbanTimestamp != 0 {
		t.Fatalf("permanent ban should dominate regardless of side, got unban %d", merged[0].UnbanTimestamp)
	}
}

func TestMergeBanListsDropsExpired(t *testing.T) {
	now := uint64(1_700_000_000)
	local := []chaind.BanEntry{{Address: "10.0.0.1", UnbanTimestamp: now - 10}}
	remote := []chaind.BanEntry{
		{Address: "10.0.0.2", UnbanTimestamp: now}, // unban == now counts as expired
		{Address: "10.0.0.3", UnbanTimestamp: now + 60},
	}

	merged := MergeBanLists(local, remote, now)
	if len(merged) != 1 {
		t.Fatalf("expected only the live entry, got %d entries", len(merged))
	}
	if merged[0].Address != "10.0.0.3" {
		t.Fatalf("expected 10.0.0.3 to survive, got %s", merged[0].Address)
	}
}

func TestMergeBanListsDeduplicates(t *testing.T) {
	now := uint64(1_700_000_000)
	list := []chaind.BanEntry{
		{Address: "10.0.0.1", UnbanTimestamp: now + 100},
		{Address: "10.0.0.1", UnbanTimestamp: now + 200},
		{Address: "10.0.0.1", UnbanTimestamp: now + 50},
	}
	merged := MergeBanLists(list, nil, now)
	if len(merged) != 1 {
		t.Fatalf("expected deduplication to a single entry, got %d", len(merged))
	}
	if merged[0].UnbanTimestamp != now+200 {
		t.Fatalf("expected the latest duplicate to win, got %d", merged[0].UnbanTimestamp)
	}
}

func TestHashBanListOrderIndependent(t *testing.T) {
	now := uint64(1_700_000_000)
	a := []chaind.BanEntry{
		{Address: "10.0.0.1", UnbanTimestamp: now + 100},
		{Address: "10.0.0.2", UnbanTimestamp: now + 200},
	}
	b := []chaind.BanEntry{a[1], a[0]}

	if HashBanList(a) != HashBanList(b) {
		t.Fatal("ban list hash should be independent of slice order")
	}

	c := append([]chaind.BanEntry{}, a...)
	c[0].UnbanTimestamp++
	if HashBanList(a) == HashBanList(c) {
		t.Fatal("ban list hash should change when an entry changes")
	}
}
