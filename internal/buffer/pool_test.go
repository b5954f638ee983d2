package buffer

import "testing"

func TestPoolConservation(t *testing.T) {
	p, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.Free() != 4 {
		t.Fatalf("Free() = %d, want 4", p.Free())
	}

	var bufs []Buffer
	for i := 0; i < 4; i++ {
		b, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		bufs = append(bufs, b)
	}

	if p.Free()+p.InUse() != p.Size() {
		t.Fatalf("free(%d)+inuse(%d) != size(%d)", p.Free(), p.InUse(), p.Size())
	}

	for _, b := range bufs {
		b.Release()
	}

	if p.Free() != 4 {
		t.Fatalf("Free() after release = %d, want 4", p.Free())
	}
}

// TestPoolExhaustion is scenario S5 from spec.md §8.
func TestPoolExhaustion(t *testing.T) {
	p, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var held []Buffer
	for i := 0; i < 4; i++ {
		b, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		held = append(held, b)
	}

	if _, err := p.Alloc(); err != ErrPoolExhausted {
		t.Fatalf("alloc on exhausted pool = %v, want ErrPoolExhausted", err)
	}

	held[0].Release()
	held = held[1:]

	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
	held = append(held, b)

	if _, err := p.Alloc(); err != ErrPoolExhausted {
		t.Fatalf("second alloc after single release = %v, want ErrPoolExhausted", err)
	}

	for _, b := range held {
		b.Release()
	}
}

func TestHeadroomSufficiency(t *testing.T) {
	p, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer b.Release()

	if b.Start() < 26 {
		t.Fatalf("Start() = %d, want >= 26 (Headroom)", b.Start())
	}
}

func TestOwnershipUniqueness(t *testing.T) {
	p, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	seen := make(map[uint32]bool)
	var bufs []Buffer
	for i := 0; i < 8; i++ {
		b, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[b.Index()] {
			t.Fatalf("index %d allocated twice concurrently", b.Index())
		}
		seen[b.Index()] = true
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		b.Release()
	}
}

func TestPrependStripRoundTrip(t *testing.T) {
	p, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer b.Release()

	payload := []byte("hello")
	copy(b.WriteArea(), payload)
	b.SetLen(len(payload))

	dst := [6]byte{0x02, 0, 0, 0, 0, 1}
	src := [6]byte{0x52, 0x54, 0, 0x12, 0x34, 0x56}
	b.PrependEthHeader(dst, src, 0x0800)
	if b.Len() != len(payload)+14 {
		t.Fatalf("len after prepend = %d, want %d", b.Len(), len(payload)+14)
	}

	b.PrependVirtioHdr()
	if b.Len() != len(payload)+14+12 {
		t.Fatalf("len after virtio prepend = %d", b.Len())
	}

	b.StripVirtioHdr()
	b.StripEthHeader()
	if string(b.Data()) != string(payload) {
		t.Fatalf("round trip payload = %q, want %q", b.Data(), payload)
	}
}

func TestPrependHeadroomUnderflowPanics(t *testing.T) {
	p, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer b.Release()

	// Exhaust headroom with repeated prepends until the next one underflows.
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on headroom underflow")
		}
	}()
	for i := 0; i < 10; i++ {
		b.PrependEthHeader([6]byte{}, [6]byte{}, 0)
	}
}
