// ABOUTME: Tests for Gateway construction, listener lifecycle and the gRPC health service
// ABOUTME: Starts real TCP listeners on free ports and checks health over gRPC and HTTP

package gateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/taskagent-gateway/internal/config"
)

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: grpcAddr,
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path:      filepath.Join(dir, "conversations.db"),
			TasksPath: filepath.Join(dir, "tasks.db"),
		},
		Model:  config.ModelConfig{Provider: "scripted"},
		Dedupe: config.DedupeConfig{TTL: time.Minute, MaxEntries: 100},
	}
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.orchestrator == nil {
		t.Error("orchestrator should not be nil")
	}
	if gw.conversation == nil {
		t.Error("conversation service should not be nil")
	}
	if gw.requests == nil {
		t.Error("request index should not be nil")
	}
}

func TestGatewayNew_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Provider = "nope"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestGatewayNew_BadDatabasePath(t *testing.T) {
	cfg := testConfig(t)
	// A regular file where the database directory should be.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.Database.TasksPath = filepath.Join(blocker, "tasks.db")

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unopenable task database")
	}
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	// Wait for the HTTP server to answer.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET /health: status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("HTTP server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", HealthService} {
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("health check %q: %v", service, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("health %q = %v, want SERVING", service, resp.GetStatus())
		}
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without a key")
	}

	key, err := resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("configured key: got %q, %v", key, err)
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("env key: got %q, %v", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/taskagent")
	if err != nil || dir != "/var/lib/taskagent" {
		t.Errorf("configured dir: got %q, %v", dir, err)
	}

	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("default dir: %v", err)
	}
	if filepath.Base(dir) != "tailscale" {
		t.Errorf("default dir = %q, want .../tailscale", dir)
	}
}
