package reactor

import "testing"

func TestConntrackEvictsOldestAtCapacity(t *testing.T) {
	ct := newConntrack(2)
	ct.touch(connKey{srcPort: 1}, 100)
	ct.touch(connKey{srcPort: 2}, 200)
	if ct.len() != 2 {
		t.Fatalf("len = %d, want 2", ct.len())
	}

	ct.touch(connKey{srcPort: 3}, 300)
	if ct.len() != 2 {
		t.Fatalf("len after eviction = %d, want 2 (capacity bound)", ct.len())
	}
	if _, ok := ct.entries[connKey{srcPort: 1}]; ok {
		t.Errorf("oldest entry (srcPort=1) should have been evicted")
	}
	if _, ok := ct.entries[connKey{srcPort: 3}]; !ok {
		t.Errorf("newest entry (srcPort=3) should be present")
	}
}

func TestConntrackTouchRefreshesExisting(t *testing.T) {
	ct := newConntrack(2)
	ct.touch(connKey{srcPort: 1}, 100)
	ct.touch(connKey{srcPort: 2}, 200)
	ct.touch(connKey{srcPort: 1}, 500) // refresh, not a new insert
	ct.touch(connKey{srcPort: 3}, 600) // should evict srcPort=2, not srcPort=1

	if _, ok := ct.entries[connKey{srcPort: 1}]; !ok {
		t.Errorf("recently-touched entry (srcPort=1) should survive eviction")
	}
	if _, ok := ct.entries[connKey{srcPort: 2}]; ok {
		t.Errorf("stale entry (srcPort=2) should have been evicted")
	}
}

func TestRewriteL2OverwritesDstAndSrc(t *testing.T) {
	frame := make([]byte, 32)
	copy(frame[0:6], []byte{1, 1, 1, 1, 1, 1})
	copy(frame[6:12], []byte{2, 2, 2, 2, 2, 2})

	dst := [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	src := [6]byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}
	out := rewriteL2(frame, dst, src)

	if string(out[0:6]) != string(dst[:]) {
		t.Errorf("dst MAC = %x, want %x", out[0:6], dst)
	}
	if string(out[6:12]) != string(src[:]) {
		t.Errorf("src MAC = %x, want %x", out[6:12], src)
	}
}

func TestCountersRecordRXTX(t *testing.T) {
	var c Counters
	c.recordRX(100)
	c.recordRX(50)
	c.recordTX(200)

	if c.RXPackets() != 2 || c.RXBytes() != 150 {
		t.Errorf("RX = (%d packets, %d bytes), want (2, 150)", c.RXPackets(), c.RXBytes())
	}
	if c.TXPackets() != 1 || c.TXBytes() != 200 {
		t.Errorf("TX = (%d packets, %d bytes), want (1, 200)", c.TXPackets(), c.TXBytes())
	}
}
