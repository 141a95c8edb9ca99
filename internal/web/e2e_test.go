package web

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apimbilling/apimbilling/internal/apim"
	"github.com/apimbilling/apimbilling/internal/config"
	"github.com/apimbilling/apimbilling/internal/gateway"
	"github.com/apimbilling/apimbilling/internal/handler"
	"github.com/apimbilling/apimbilling/internal/service"
	"github.com/apimbilling/apimbilling/internal/target"
	"github.com/apimbilling/apimbilling/internal/testutil"
)

// TestSiteAgainstBillingAPI drives the site through the gateway client and
// the real Billing API router, backed by the in-memory ARM fake.
func TestSiteAgainstBillingAPI(t *testing.T) {
	clock := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := testutil.NewFakeARM(t)
	fake.SetClock(func() time.Time { return clock })
	fake.AddProduct(testutil.FakeProduct{Name: "P1", DisplayName: "Plan One", State: "published"})

	armClient, err := apim.NewClient(testutil.StaticCredential{}, apim.Options{
		Endpoint:                        fake.URL(),
		InsecureAllowCredentialWithHTTP: true,
		Timeout:                         5 * time.Second,
		Logger:                          logger,
	})
	require.NoError(t, err)

	svc := service.NewBillingService(armClient, service.BillingOptions{
		Logger: logger,
		Now:    func() time.Time { return clock },
	})
	api := httptest.NewServer(handler.NewRouter(handler.RouterConfig{
		Service:       svc,
		Resolver:      target.HeaderResolver{SubscriptionID: testutil.TestSubscriptionID},
		Logger:        logger,
		IsDevelopment: true,
	}))
	t.Cleanup(api.Close)

	tgt := testutil.NewTestTarget()
	s := newSite(t, gateway.NewClient(gateway.Options{BaseURL: api.URL, Logger: logger}), []config.Instance{
		{ServiceName: tgt.ServiceName, ResourceGroup: tgt.ResourceGroup, DisplayName: "Contoso"},
	})

	p := s.signIn(t)
	require.Equal(t, "/subscriptions", p.path)
	assert.Contains(t, p.body, "You have no subscriptions yet.")

	p = s.get(t, "/products")
	assert.Contains(t, p.body, "Plan One")

	const subID = "p1-jane-20250102030405"
	p = s.post(t, "/subscriptions/purchase", url.Values{"productId": {"P1"}, "productName": {"Plan One"}})
	require.Equal(t, "/subscriptions/"+subID, p.path, p.body)
	assert.Contains(t, p.body, "Successfully purchased Plan One!")
	assert.Contains(t, p.body, "Jane Doe - Plan One")

	sub, ok := fake.Subscription(subID)
	require.True(t, ok)
	assert.Contains(t, p.body, sub.PrimaryKey)
	assert.Contains(t, p.body, sub.SecondaryKey)

	p = s.get(t, "/subscriptions")
	assert.Contains(t, p.body, `href="/subscriptions/`+subID+`"`)

	p = s.post(t, "/subscriptions/"+subID+"/suspend", nil)
	assert.Contains(t, p.body, "Subscription suspended due to non-payment.")
	sub, _ = fake.Subscription(subID)
	assert.Equal(t, "suspended", sub.State)

	oldPrimary := sub.PrimaryKey
	p = s.post(t, "/subscriptions/"+subID+"/rotate-key", url.Values{"keyType": {"primary"}})
	assert.Contains(t, p.body, "Primary key rotated successfully!")
	sub, _ = fake.Subscription(subID)
	assert.NotEqual(t, oldPrimary, sub.PrimaryKey)
	assert.Contains(t, p.body, sub.PrimaryKey)

	p = s.post(t, "/subscriptions/"+subID+"/delete", nil)
	assert.Equal(t, "/products", p.path)
	_, ok = fake.Subscription(subID)
	assert.False(t, ok)

	p = s.get(t, "/subscriptions/"+subID)
	assert.Equal(t, "/products", p.path)
	assert.Contains(t, p.body, "Subscription not found.")

	// Every ARM call went to the instance chosen in the session.
	for _, req := range fake.Requests() {
		assert.True(t, strings.HasPrefix(req.FullPath, tgt.ServiceID()), req.FullPath)
	}
	assert.NotEmpty(t, fake.Requests())
	assert.Equal(t, http.StatusOK, s.get(t, "/health").status)
}
