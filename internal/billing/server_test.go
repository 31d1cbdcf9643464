package billing

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestRun_LoadConfigError(t *testing.T) {
	t.Setenv("BILLING_ADMIN_KEY", "")
	t.Setenv("BILLING_BASE_URL", "")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load config:") {
		t.Fatalf("Run() error = %q, want load config prefix", err)
	}
}

func TestRun_CreateEntitlementsDirError(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile(%q): %v", filePath, err)
	}

	setRequiredEnv(t)
	t.Setenv("BILLING_DATA_DIR", filePath)

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "create entitlements dir:") {
		t.Fatalf("Run() error = %q, want create entitlements dir prefix", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_DATA_DIR", t.TempDir())
	t.Setenv("BILLING_BIND_ADDRESS", "127.0.0.1")
	t.Setenv("BILLING_PORT", strconv.Itoa(freePort(t)))
	t.Setenv("BILLING_KAFKA_BROKERS", "")
	t.Setenv("BILLING_REDIS_URL", "")
	t.Setenv("POSTMARK_SERVER_TOKEN", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Run(ctx, "test-version"); err != nil {
		t.Fatalf("Run() error = %v, want nil after cancellation", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
