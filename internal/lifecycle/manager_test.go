package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reactornet/reactornet/internal/config"
	"github.com/reactornet/reactornet/internal/vmm"
)

// mockVMM implements vmm.VMM for lifecycle tests. StartVM returns a
// mockChannel that auto-responds to the startServer RPC and then emits
// a serverReady notification, mirroring the real harness handshake
// bootInstance waits on.
type mockVMM struct {
	mu      sync.Mutex
	created map[string]vmm.VMConfig
	stopped map[string]bool

	failCreate bool
	failStart  bool
	pauseErr   error
	resumeErr  error
}

func newMockVMM() *mockVMM {
	return &mockVMM{
		created: make(map[string]vmm.VMConfig),
		stopped: make(map[string]bool),
	}
}

func (m *mockVMM) CreateVM(cfg vmm.VMConfig) (vmm.Handle, error) {
	if m.failCreate {
		return vmm.Handle{}, fmt.Errorf("mock create failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("mock-vm-%d", len(m.created)+1)
	m.created[id] = cfg
	return vmm.Handle{ID: id}, nil
}

func (m *mockVMM) StartVM(h vmm.Handle) (vmm.ControlChannel, error) {
	if m.failStart {
		return nil, fmt.Errorf("mock start failure")
	}
	ch := newMockChannel()
	go ch.respondToStartServer()
	return ch, nil
}

func (m *mockVMM) PauseVM(h vmm.Handle) error  { return m.pauseErr }
func (m *mockVMM) ResumeVM(h vmm.Handle) error { return m.resumeErr }

func (m *mockVMM) StopVM(h vmm.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[h.ID] = true
	return nil
}

func (m *mockVMM) HostEndpoints(h vmm.Handle) ([]vmm.HostEndpoint, error) {
	return []vmm.HostEndpoint{{GuestPort: 8080, HostPort: 49200, Protocol: "http"}}, nil
}

func (m *mockVMM) Capabilities() vmm.BackendCaps {
	return vmm.BackendCaps{Pause: true, RootFSType: vmm.RootFSDirectory, Name: "mock"}
}

func (m *mockVMM) stoppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stopped)
}

// respondToStartServer plays the harness side of bootInstance's
// handshake: wait for the startServer request bootInstance sends,
// reply with an empty result, then push a serverReady notification.
func (c *mockChannel) respondToStartServer() {
	var msg []byte
	for msg == nil {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.sendBuf) > 0 {
			msg = c.sendBuf[0]
		}
		c.mu.Unlock()
		if msg == nil {
			time.Sleep(time.Millisecond)
		}
	}
	var req map[string]interface{}
	if json.Unmarshal(msg, &req) != nil {
		return
	}
	resp, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req["id"],
		"result":  map[string]interface{}{},
	})
	c.recvCh <- resp

	notif, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "serverReady",
	})
	c.recvCh <- notif
}

func newTestManager(v vmm.VMM) *Manager {
	cfg := &config.Config{
		BaseRootfsPath: "/tmp/test-rootfs",
		DefaultMemoryMB: 256,
		DefaultVCPUs:    1,
		PauseAfterIdle:  time.Hour,
		StopAfterIdle:   time.Hour,
	}
	return NewManager(v, cfg)
}

func TestCreateInstance_Basic(t *testing.T) {
	m := newTestManager(newMockVMM())

	inst := m.CreateInstance("inst-1", []string{"python", "-m", "http.server"}, []vmm.PortExpose{
		{GuestPort: 8080, Protocol: "http"},
	})

	if inst.ID != "inst-1" {
		t.Errorf("ID = %q, want %q", inst.ID, "inst-1")
	}
	if inst.State != StateStopped {
		t.Errorf("State = %q, want %q", inst.State, StateStopped)
	}
	if inst.FirstGuestPort() != 8080 {
		t.Errorf("FirstGuestPort() = %d, want 8080", inst.FirstGuestPort())
	}
}

func TestFirstGuestPort_NoPorts(t *testing.T) {
	m := newTestManager(newMockVMM())
	inst := m.CreateInstance("inst-1", []string{"echo"}, nil)
	if port := inst.FirstGuestPort(); port != 0 {
		t.Errorf("FirstGuestPort() = %d, want 0", port)
	}
}

func TestGetInstance(t *testing.T) {
	m := newTestManager(newMockVMM())
	m.CreateInstance("inst-1", []string{"echo"}, nil)

	if got := m.GetInstance("inst-1"); got == nil || got.ID != "inst-1" {
		t.Fatalf("GetInstance(inst-1) = %v", got)
	}
	if got := m.GetInstance("nonexistent"); got != nil {
		t.Errorf("expected nil for nonexistent instance, got %+v", got)
	}
}

func TestGetDefaultInstance(t *testing.T) {
	m := newTestManager(newMockVMM())

	if got := m.GetDefaultInstance(); got != nil {
		t.Errorf("expected nil on empty manager, got %+v", got)
	}

	m.CreateInstance("inst-1", []string{"echo"}, nil)
	got := m.GetDefaultInstance()
	if got == nil || got.ID != "inst-1" {
		t.Fatalf("GetDefaultInstance() = %v", got)
	}
}

func TestOnStateChange_Callback(t *testing.T) {
	m := newTestManager(newMockVMM())

	var calledID, calledState string
	m.OnStateChange(func(id, state string) {
		calledID = id
		calledState = state
	})

	m.notifyStateChange("test-id", StateRunning)

	if calledID != "test-id" || calledState != StateRunning {
		t.Errorf("callback got (%q, %q), want (%q, %q)", calledID, calledState, "test-id", StateRunning)
	}
}

func TestOnStateChange_NilCallback(t *testing.T) {
	m := newTestManager(newMockVMM())
	m.notifyStateChange("test-id", StateRunning) // must not panic
}

func TestGetEndpoint_NotFound(t *testing.T) {
	m := newTestManager(newMockVMM())
	if _, err := m.GetEndpoint("nonexistent", 8080); err == nil {
		t.Fatal("expected error for nonexistent instance")
	}
}

func TestGetEndpoint_NoMatchingPort(t *testing.T) {
	m := newTestManager(newMockVMM())
	inst := m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})

	inst.mu.Lock()
	inst.Endpoints = []vmm.HostEndpoint{{GuestPort: 8080, HostPort: 49152, Protocol: "http"}}
	inst.mu.Unlock()

	if _, err := m.GetEndpoint("inst-1", 9090); err == nil {
		t.Fatal("expected error for non-matching guest port")
	}
}

// --- Boot / stop lifecycle, exercised through the real EnsureInstance
// and StopInstance state machine against a mock vmm.VMM. ---

func TestEnsureInstance_BootFromStopped(t *testing.T) {
	mv := newMockVMM()
	m := newTestManager(mv)

	inst := m.CreateInstance("inst-1", []string{"echo", "hello"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})
	if inst.State != StateStopped {
		t.Fatalf("initial state = %q, want %q", inst.State, StateStopped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.EnsureInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if inst.State != StateRunning {
		t.Errorf("state after boot = %q, want %q", inst.State, StateRunning)
	}
	if len(inst.Endpoints) != 1 || inst.Endpoints[0].HostPort != 49200 {
		t.Errorf("Endpoints = %v, want HostEndpoints from mockVMM", inst.Endpoints)
	}
}

func TestEnsureInstance_AlreadyRunning(t *testing.T) {
	mv := newMockVMM()
	m := newTestManager(mv)
	m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.EnsureInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("first boot: %v", err)
	}
	if err := m.EnsureInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("EnsureInstance on running instance: %v", err)
	}
}

func TestEnsureInstance_CreateVMFails(t *testing.T) {
	mv := newMockVMM()
	mv.failCreate = true
	m := newTestManager(mv)
	inst := m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.EnsureInstance(ctx, "inst-1"); err == nil {
		t.Fatal("expected error when CreateVM fails")
	}
	if inst.State != StateStopped {
		t.Errorf("state after failed boot = %q, want %q", inst.State, StateStopped)
	}
}

func TestStopInstance_RunningInstance(t *testing.T) {
	mv := newMockVMM()
	m := newTestManager(mv)
	m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.EnsureInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("boot: %v", err)
	}

	if err := m.StopInstance("inst-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.GetInstance("inst-1") != nil {
		t.Error("instance should be removed from the manager after StopInstance")
	}
	if mv.stoppedCount() == 0 {
		t.Error("VMM StopVM should have been called")
	}
}

func TestStopInstance_NotFound(t *testing.T) {
	m := newTestManager(newMockVMM())
	if err := m.StopInstance("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent instance")
	}
}

func TestStateChangeCallback_BootThenStop(t *testing.T) {
	mv := newMockVMM()
	m := newTestManager(mv)

	var states []string
	m.OnStateChange(func(id, state string) {
		states = append(states, state)
	})
	m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.EnsureInstance(ctx, "inst-1")
	m.StopInstance("inst-1")

	want := []string{StateStarting, StateRunning, StateTerminated}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestShutdown_StopsAllInstances(t *testing.T) {
	mv := newMockVMM()
	m := newTestManager(mv)
	m.CreateInstance("inst-1", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8080, Protocol: "http"}})
	m.CreateInstance("inst-2", []string{"echo"}, []vmm.PortExpose{{GuestPort: 8081, Protocol: "http"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.EnsureInstance(ctx, "inst-1")
	m.EnsureInstance(ctx, "inst-2")

	m.Shutdown()

	if m.GetInstance("inst-1") != nil || m.GetInstance("inst-2") != nil {
		t.Error("Shutdown should remove all instances")
	}
	if mv.stoppedCount() != 2 {
		t.Errorf("stoppedCount = %d, want 2", mv.stoppedCount())
	}
}
