package vhostuser

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func dialBackend(t *testing.T) (*Backend, *net.UnixConn) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "vhost-user.sock")

	backendCh := make(chan *Backend, 1)
	errCh := make(chan error, 1)
	go func() {
		b, err := Listen(sockPath, [6]byte{0x02, 0, 0, 0, 0, 1}, 1500)
		if err != nil {
			errCh <- err
			return
		}
		backendCh <- b
	}()

	// Wait for the listening socket to appear before dialing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", sockPath)
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: sockPath, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case b := <-backendCh:
		return b, conn
	case err := <-errCh:
		t.Fatalf("Listen: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for accept")
	}
	return nil, nil
}

func sendRequest(t *testing.T, conn *net.UnixConn, req Request, payload []byte) {
	t.Helper()
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	binary.LittleEndian.PutUint32(hdr[4:8], 1)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := conn.Write(append(hdr, payload...)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readReply(t *testing.T, conn *net.UnixConn) (Request, []byte) {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < headerSize {
		t.Fatalf("short reply (%d bytes)", n)
	}
	req := Request(binary.LittleEndian.Uint32(buf[0:4]))
	size := binary.LittleEndian.Uint32(buf[8:12])
	return req, buf[headerSize : headerSize+int(size)]
}

// TestGetFeaturesRoundTrip exercises the simplest request/reply cycle:
// GET_FEATURES returns the advertised bitmask unmodified.
func TestGetFeaturesRoundTrip(t *testing.T) {
	b, conn := dialBackend(t)
	defer b.Close()
	defer conn.Close()

	go func() {
		req, _, payload, fds, err := b.readMessage()
		if err != nil {
			return
		}
		reply, _ := b.handle(req, payload, fds)
		_ = b.writeReply(req, reply)
	}()

	sendRequest(t, conn, ReqGetFeatures, nil)
	gotReq, payload := readReply(t, conn)
	if gotReq != ReqGetFeatures {
		t.Fatalf("reply request = %v, want GET_FEATURES", gotReq)
	}
	got := binary.LittleEndian.Uint64(payload)
	if got != DefaultFeatures {
		t.Errorf("features = %#x, want %#x", got, uint64(DefaultFeatures))
	}
}

// TestSetVringAddrBeforeNumFails covers the ordering invariant: SET_VRING_ADDR
// before SET_VRING_NUM for the same queue must fail, since the ring
// sizes aren't known yet to compute avail/used ring lengths.
func TestSetVringAddrBeforeNumFails(t *testing.T) {
	b, conn := dialBackend(t)
	defer b.Close()
	defer conn.Close()

	addrPayload := make([]byte, 40)
	if err := b.setVringAddr(addrPayload); err == nil {
		t.Fatalf("setVringAddr before SET_VRING_NUM: want error, got nil")
	}
}

// TestGetConfigReturnsMAC covers GET_CONFIG returning the configured
// MAC and link-up status for the NIC backing this device.
func TestGetConfigReturnsMAC(t *testing.T) {
	b, conn := dialBackend(t)
	defer b.Close()
	defer conn.Close()

	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[4:8], 12)
	out := b.encodeConfig(req)
	cfg := out[12:]
	if cfg[0] != 0x02 || cfg[5] != 0x01 {
		t.Errorf("config MAC = %x, want 02:00:00:00:00:01", cfg[0:6])
	}
	status := binary.LittleEndian.Uint16(cfg[6:8])
	if status&virtioNetSLinkUp == 0 {
		t.Errorf("status = %#x, want link-up bit set", status)
	}
}
