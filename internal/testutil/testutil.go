// Package testutil holds helpers shared by package tests: a fake ARM
// management plane for APIM, a static token credential, Redis fixtures and
// test data factories.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/alicebob/miniredis/v2"

	"github.com/apimbilling/apimbilling/internal/cache"
	"github.com/apimbilling/apimbilling/internal/target"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

// ProjectRoot returns the project root directory.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to resolve testutil path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return root, nil
}

// StaticCredential is an azcore.TokenCredential returning a fixed token.
type StaticCredential struct {
	Token string
}

// GetToken implements azcore.TokenCredential.
func (c StaticCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token := c.Token
	if token == "" {
		token = "test-token"
	}
	return azcore.AccessToken{Token: token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// NewRedis starts an in-process Redis and returns a Cache connected to it.
// Both are torn down with the test.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

// ============================================================================
// Test Data Factories
// ============================================================================

// TestSubscriptionID is the Azure subscription used by fixtures.
const TestSubscriptionID = "00000000-0000-0000-0000-00000000c0de"

// NewTestTarget returns a valid APIM target.
func NewTestTarget() target.Target {
	return target.Target{
		SubscriptionID: TestSubscriptionID,
		ResourceGroup:  "rg-billing",
		ServiceName:    "contoso-apim",
	}
}
