package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAPI struct {
	mu       *http.ServeMux
	authed   atomic.Int64
	requests atomic.Int64
}

func newFakeAPI() *fakeAPI {
	f := &fakeAPI{mu: http.NewServeMux()}
	f.mu.HandleFunc("/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.FormValue("username") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.authed.Add(1)
		writeData(w, map[string]string{
			"ticket":              fmt.Sprintf("ticket-%d", f.authed.Load()),
			"CSRFPreventionToken": "csrf-token",
		})
	})
	return f
}

func (f *fakeAPI) handle(pattern string, handler http.HandlerFunc) {
	f.mu.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		handler(w, r)
	})
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newTestClient(t *testing.T, f *fakeAPI) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(f.mu)
	t.Cleanup(server.Close)

	client, err := NewClient(Params{
		User:         "root",
		Password:     "secret",
		BaseURL:      server.URL,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, server
}

func TestRequestBeforeConnect(t *testing.T) {
	client, _ := newTestClient(t, newFakeAPI())
	if _, err := client.Nodes(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectAndListNodes(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "PVEAPIToken=ticket-1" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		if got := r.Header.Get("CSRFPreventionToken"); got != "csrf-token" {
			t.Errorf("unexpected csrf header: %q", got)
		}
		writeData(w, []map[string]any{
			{"node": "pve1", "status": "online", "maxcpu": 16, "maxmem": 68719476736},
			{"node": "pve2", "status": "online", "maxcpu": 8, "maxmem": 34359738368},
		})
	})
	client, _ := newTestClient(t, fake)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	nodes, err := client.Nodes(context.Background())
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Node != "pve1" || nodes[1].MaxCPU != 8 {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
}

func TestRemoteAPIErrorNotRetried(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": map[string]string{"message": "invalid vmid"},
		})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := client.VMs(context.Background(), "pve1")
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected RemoteAPIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "invalid vmid" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if got := fake.requests.Load(); got != 1 {
		t.Fatalf("expected exactly 1 request, got %d", got)
	}
}

func TestTransportFailureExhaustsRetries(t *testing.T) {
	fake := newFakeAPI()
	client, server := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server.Close()

	_, err := client.Nodes(context.Background())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestSessionRefreshOn401(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes", func(w http.ResponseWriter, r *http.Request) {
		// Reject the first ticket once, accept the refreshed one.
		if r.Header.Get("Authorization") == "PVEAPIToken=ticket-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeData(w, []map[string]any{{"node": "pve1", "status": "online"}})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	nodes, err := client.Nodes(context.Background())
	if err != nil {
		t.Fatalf("nodes after refresh: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
	if got := fake.authed.Load(); got != 2 {
		t.Fatalf("expected exactly one re-auth, got %d total auths", got)
	}
}

func TestAllVMsAnnotatesNodeAndSkipsFailures(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{
			{"node": "pve1", "status": "online"},
			{"node": "pve2", "status": "online"},
		})
	})
	fake.handle("/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{{"vmid": 100, "name": "web-01", "status": "running"}})
	})
	fake.handle("/nodes/pve2/qemu", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": map[string]string{"message": "node offline"}})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	vms, err := client.AllVMs(context.Background())
	if err != nil {
		t.Fatalf("all vms: %v", err)
	}
	if len(vms) != 1 || vms[0].Node != "pve1" || vms[0].VMID != 100 {
		t.Fatalf("unexpected vms: %+v", vms)
	}
}

func TestNextIDStringAndNumeric(t *testing.T) {
	fake := newFakeAPI()
	var numeric atomic.Bool
	fake.handle("/cluster/nextid", func(w http.ResponseWriter, r *http.Request) {
		if numeric.Load() {
			writeData(w, 101)
			return
		}
		writeData(w, "100")
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	id, err := client.NextID(context.Background())
	if err != nil {
		t.Fatalf("nextid (string form): %v", err)
	}
	if id != 100 {
		t.Fatalf("expected 100, got %d", id)
	}

	numeric.Store(true)
	id, err = client.NextID(context.Background())
	if err != nil {
		t.Fatalf("nextid (numeric form): %v", err)
	}
	if id != 101 {
		t.Fatalf("expected 101, got %d", id)
	}
}

func TestCreateVMReturnsUPID(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		var config map[string]any
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			t.Errorf("decode create payload: %v", err)
		}
		if config["name"] != "web-01" {
			t.Errorf("unexpected payload: %+v", config)
		}
		writeData(w, "UPID:pve1:00001234:qmcreate:100:root@pam:")
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	upid, err := client.CreateVM(context.Background(), "pve1", map[string]any{"vmid": 100, "name": "web-01"})
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}
	if upid != "UPID:pve1:00001234:qmcreate:100:root@pam:" {
		t.Fatalf("unexpected upid: %q", upid)
	}
}

func TestWaitForTaskSuccess(t *testing.T) {
	fake := newFakeAPI()
	var polls atomic.Int64
	fake.handle("/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeData(w, map[string]any{"status": "running"})
			return
		}
		writeData(w, map[string]any{"status": "stopped", "exitstatus": "OK"})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var seen []string
	err := client.WaitForTask(context.Background(), "pve1", "UPID:pve1:1:qmstart:100:root@pam:", time.Second, func(s TaskStatus) {
		seen = append(seen, s.Status)
	})
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if len(seen) != 3 || seen[2] != "stopped" {
		t.Fatalf("unexpected progress reports: %v", seen)
	}
}

func TestWaitForTaskFailure(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"status": "stopped", "exitstatus": "storage full"})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := client.WaitForTask(context.Background(), "pve1", "UPID:x", time.Second, nil)
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected RemoteAPIError, got %v", err)
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	fake := newFakeAPI()
	fake.handle("/nodes/pve1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"status": "running"})
	})
	client, _ := newTestClient(t, fake)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := client.WaitForTask(context.Background(), "pve1", "UPID:x", 20*time.Millisecond, nil)
	var timeoutErr *TaskTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TaskTimeoutError, got %v", err)
	}
	if timeoutErr.Node != "pve1" {
		t.Fatalf("unexpected timeout error: %+v", timeoutErr)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	client, _ := newTestClient(t, newFakeAPI())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Disconnect()
	client.Disconnect()
	if _, err := client.Nodes(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}
