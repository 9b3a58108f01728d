package grpcutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aiops/kpiquery/pkg/testutil"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig(9001, "kpi")

	if cfg.Port != 9001 {
		t.Errorf("Port = %v, want %v", cfg.Port, 9001)
	}
	if cfg.ServiceName != "kpi" {
		t.Errorf("ServiceName = %v, want %v", cfg.ServiceName, "kpi")
	}
	if !cfg.EnableReflection {
		t.Error("EnableReflection = false, want true")
	}
	if !cfg.EnableHealthCheck {
		t.Error("EnableHealthCheck = false, want true")
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, 30*time.Second)
	}
	if cfg.MaxRecvMsgSize != 16*1024*1024 {
		t.Errorf("MaxRecvMsgSize = %v, want %v", cfg.MaxRecvMsgSize, 16*1024*1024)
	}
	if cfg.MaxSendMsgSize != 16*1024*1024 {
		t.Errorf("MaxSendMsgSize = %v, want %v", cfg.MaxSendMsgSize, 16*1024*1024)
	}
}

func TestNewServer(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9002, "kpi")

	server := NewServer(cfg, logger)

	if server == nil {
		t.Fatal("NewServer() returned nil")
	}
	if server.grpcServer == nil {
		t.Error("grpcServer is nil")
	}
	if server.healthServer == nil {
		t.Error("healthServer is nil (should be enabled by default)")
	}
	if server.config.Port != cfg.Port {
		t.Errorf("config.Port = %v, want %v", server.config.Port, cfg.Port)
	}
}

func TestNewServerWithoutHealthCheck(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9003, "kpi")
	cfg.EnableHealthCheck = false

	server := NewServer(cfg, logger)

	if server == nil {
		t.Fatal("NewServer() returned nil")
	}
	if server.healthServer != nil {
		t.Error("healthServer should be nil when EnableHealthCheck is false")
	}
}

func TestNewServerWithoutReflection(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9004, "kpi")
	cfg.EnableReflection = false

	server := NewServer(cfg, logger)

	if server == nil {
		t.Fatal("NewServer() returned nil")
	}
	// Reflection registration is internal, but server should still work
	if server.grpcServer == nil {
		t.Error("grpcServer is nil")
	}
}

func TestServer_GRPCServer(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9005, "kpi")

	server := NewServer(cfg, logger)
	grpcServer := server.GRPCServer()

	if grpcServer == nil {
		t.Fatal("GRPCServer() returned nil")
	}
	if grpcServer != server.grpcServer {
		t.Error("GRPCServer() did not return the internal gRPC server")
	}
}

func TestServer_SetServingStatus(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9006, "kpi")

	server := NewServer(cfg, logger)

	// Should not panic even when called multiple times
	server.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	server.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	server.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
}

func TestServer_SetServingStatusWithoutHealthServer(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9007, "kpi")
	cfg.EnableHealthCheck = false

	server := NewServer(cfg, logger)

	// Should not panic when health server is nil
	server.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	server.SetServingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func TestNewServerWithCustomInterceptors(t *testing.T) {
	logger := slog.Default()
	cfg := DefaultServerConfig(9008, "kpi")

	// Add custom interceptors
	cfg.UnaryInterceptors = []grpc.UnaryServerInterceptor{
		TimeoutUnaryInterceptor(5 * time.Second),
	}

	server := NewServer(cfg, logger)

	if server == nil {
		t.Fatal("NewServer() returned nil")
	}
	if server.grpcServer == nil {
		t.Error("grpcServer is nil")
	}
}

func TestServer_Serve_StopsOnCancel(t *testing.T) {
	server := NewServer(DefaultServerConfig(0, "kpi"), slog.Default())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: "kpi"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("Status = %v, want SERVING", resp.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServer_Run_ListensOnConfiguredPort(t *testing.T) {
	port := testutil.GetFreePort(t)
	server := NewServer(DefaultServerConfig(port, "kpi"), testutil.TestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	testutil.WaitFor(t, 5*time.Second, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, "server listening on "+addr)

	cancel()
	select {
	case err := <-done:
		testutil.RequireNoError(t, err, "Run")
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
