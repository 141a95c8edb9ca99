package apim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/target"
	"github.com/apimbilling/apimbilling/internal/testutil"
)

func newTestClient(t *testing.T, fake *testutil.FakeARM, rec metrics.Recorder) *Client {
	t.Helper()
	c, err := NewClient(testutil.StaticCredential{}, Options{
		Endpoint:                        fake.URL(),
		InsecureAllowCredentialWithHTTP: true,
		Timeout:                         5 * time.Second,
		Metrics:                         rec,
	})
	require.NoError(t, err)
	return c
}

func boolPtr(b bool) *bool { return &b }

func TestListProducts(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddProduct(testutil.FakeProduct{Name: "starter", DisplayName: "Starter", Description: "Free tier", State: "published"})
	fake.AddProduct(testutil.FakeProduct{Name: "unlimited", DisplayName: "Unlimited", State: "notPublished", SubscriptionRequired: boolPtr(false)})

	c := newTestClient(t, fake, nil)
	products, err := c.ListProducts(context.Background(), testutil.NewTestTarget())
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, "starter", products[0].Name)
	assert.Equal(t, "Starter", products[0].DisplayName)
	assert.Equal(t, "Free tier", products[0].Description)
	assert.True(t, products[0].SubscriptionRequired, "subscriptionRequired defaults to true")
	assert.False(t, products[1].SubscriptionRequired)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/products", reqs[0].Path)
	assert.Equal(t, "2024-05-01", reqs[0].Query.Get("api-version"))
	assert.Equal(t, "Bearer test-token", reqs[0].Header.Get("Authorization"))
}

func TestRequestPathUsesTarget(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	c := newTestClient(t, fake, nil)

	tgt := target.Target{SubscriptionID: "sub-9", ResourceGroup: "rg-other", ServiceName: "other-apim"}
	_, err := c.ListProducts(context.Background(), tgt)
	require.NoError(t, err)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t,
		"/subscriptions/sub-9/resourceGroups/rg-other/providers/Microsoft.ApiManagement/service/other-apim/products",
		reqs[0].FullPath)
}

func TestInvalidTargetMakesNoRequest(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	c := newTestClient(t, fake, nil)

	_, err := c.ListProducts(context.Background(), target.Target{SubscriptionID: "sub"})
	assert.ErrorIs(t, err, target.ErrMissingTarget)
	assert.Empty(t, fake.Requests())
}

func TestUpstreamErrorCarriesStatusAndBody(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.FailOn(http.MethodGet, "/products", http.StatusForbidden)
	rec := metrics.NewInMemory()

	c := newTestClient(t, fake, rec)
	_, err := c.ListProducts(context.Background(), testutil.NewTestTarget())
	require.Error(t, err)

	var respErr *azcore.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
	assert.Equal(t, "InjectedFailure", respErr.ErrorCode)
	assert.Contains(t, err.Error(), "injected 403")
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
	assert.Contains(t, Detail(err), "ARM responded 403")
	assert.Contains(t, Detail(err), "injected 403")
	assert.Empty(t, Detail(errors.New("plain")))
	assert.Equal(t, uint64(1), rec.Snapshot().ARMRequests["ListProducts 403"])
}

func TestNoRetries(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.FailOn(http.MethodGet, "/products", http.StatusServiceUnavailable)

	c := newTestClient(t, fake, nil)
	_, err := c.ListProducts(context.Background(), testutil.NewTestTarget())
	require.Error(t, err)
	assert.Equal(t, 1, fake.Count(http.MethodGet, "/products"))
}

func TestGetUserByEmail(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	id := fake.AddUser("jane-at-contoso-com", "Jane@Contoso.com", "Jane", "Doe")
	rec := metrics.NewInMemory()
	c := newTestClient(t, fake, rec)
	tgt := testutil.NewTestTarget()

	user, ok := c.GetUserByEmail(context.Background(), tgt, "jane@contoso.com")
	require.True(t, ok)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "jane-at-contoso-com", user.Name)

	_, ok = c.GetUserByEmail(context.Background(), tgt, "nobody@contoso.com")
	assert.False(t, ok)

	fake.FailOn(http.MethodGet, "/users", http.StatusInternalServerError)
	_, ok = c.GetUserByEmail(context.Background(), tgt, "jane@contoso.com")
	assert.False(t, ok, "lookup failures are reported as absent")

	snap := rec.Snapshot()
	assert.Equal(t, uint64(1), snap.UserLookups["found"])
	assert.Equal(t, uint64(1), snap.UserLookups["absent"])
	assert.Equal(t, uint64(1), snap.UserLookups["failed"])
}

func TestCreateOrGetUser_Idempotent(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()
	ctx := context.Background()

	first, created, err := c.CreateOrGetUser(ctx, tgt, "a@b.com", "Jane", "Doe")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a-at-b-com", first.Name)

	second, created, err := c.CreateOrGetUser(ctx, tgt, "A@B.com", "Jane", "Doe")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, fake.Count(http.MethodPut, "/users/a-at-b-com"))
	assert.Len(t, fake.Users(), 1)
}

func TestCreateOrGetUser_LastNameFallsBackToFirst(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	c := newTestClient(t, fake, nil)

	user, _, err := c.CreateOrGetUser(context.Background(), testutil.NewTestTarget(), "cher@example.com", "Cher", "")
	require.NoError(t, err)
	assert.Equal(t, "Cher", user.LastName)
}

func TestCreateSubscription(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	fake.SetClock(func() time.Time { return created })
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()

	sub, err := c.CreateSubscription(context.Background(), tgt, "p1-a-20250304050607", "P1", "Jane Doe - Plan One", "/users/owner")
	require.NoError(t, err)
	assert.Equal(t, "p1-a-20250304050607", sub.Name)
	assert.Equal(t, "active", sub.State)
	assert.Equal(t, tgt.ProductScope("P1"), sub.Scope)
	assert.True(t, created.Equal(sub.CreatedDate))

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, true, body["properties"]["allowTracing"])
	assert.Equal(t, "/users/owner", body["properties"]["ownerId"])
	assert.Equal(t, "Jane Doe - Plan One", body["properties"]["displayName"])
}

func TestGetSubscriptionAndKeys(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{
		Name: "sub-1", Scope: "/products/P2", State: "active", PrimaryKey: "pk", SecondaryKey: "sk",
	})
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()

	sub, err := c.GetSubscription(context.Background(), tgt, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, `"1"`, sub.ETag)
	assert.Equal(t, "/products/P2", sub.Scope)

	keys, err := c.GetSubscriptionKeys(context.Background(), tgt, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, Keys{PrimaryKey: "pk", SecondaryKey: "sk"}, keys)
	assert.Equal(t, 1, fake.Count(http.MethodPost, "/subscriptions/sub-1/listSecrets"))

	_, err = c.GetSubscription(context.Background(), tgt, "missing")
	assert.True(t, IsNotFound(err))

	_, err = c.GetSubscription(context.Background(), tgt, " ")
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestUpdateSubscriptionState_PreservesFields(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{
		Name: "sub-1", DisplayName: "Jane - Starter", Scope: "/products/starter", OwnerID: "/users/jane", State: "active",
	})
	c := newTestClient(t, fake, nil)

	err := c.UpdateSubscriptionState(context.Background(), testutil.NewTestTarget(), "sub-1", "suspended")
	require.NoError(t, err)

	got, ok := fake.Subscription("sub-1")
	require.True(t, ok)
	assert.Equal(t, "suspended", got.State)
	assert.Equal(t, "Jane - Starter", got.DisplayName)
	assert.Equal(t, "/products/starter", got.Scope)
	assert.Equal(t, "/users/jane", got.OwnerID)

	var put *testutil.RecordedRequest
	for _, r := range fake.Requests() {
		if r.Method == http.MethodPut {
			r := r
			put = &r
		}
	}
	require.NotNil(t, put)
	assert.Equal(t, `"1"`, put.Header.Get("If-Match"))
}

// touchAfterRead bumps the subscription's version right after the client
// reads it, so the following PUT carries a stale ETag.
type touchAfterRead struct {
	fake *testutil.FakeARM
	name string
}

func (tr touchAfterRead) Do(req *http.Request) (*http.Response, error) {
	resp, err := http.DefaultClient.Do(req)
	if err == nil && req.Method == http.MethodGet && strings.HasSuffix(req.URL.Path, "/subscriptions/"+tr.name) {
		tr.fake.Touch(tr.name)
	}
	return resp, err
}

func TestUpdateSubscriptionState_ConcurrentModification(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{Name: "sub-1", Scope: "/products/starter", State: "active"})

	c, err := NewClient(testutil.StaticCredential{}, Options{
		Endpoint:                        fake.URL(),
		InsecureAllowCredentialWithHTTP: true,
		Timeout:                         5 * time.Second,
		Transport:                       touchAfterRead{fake: fake, name: "sub-1"},
	})
	require.NoError(t, err)

	err = c.UpdateSubscriptionState(context.Background(), testutil.NewTestTarget(), "sub-1", "suspended")
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, http.StatusPreconditionFailed, StatusCode(err))

	sub, ok := fake.Subscription("sub-1")
	require.True(t, ok)
	assert.Equal(t, "active", sub.State, "a rejected write must not apply")
}

func TestInjectedFailureClears(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{Name: "sub-1", Scope: "/products/starter", State: "active"})
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()

	fake.FailOn(http.MethodPut, "/subscriptions/sub-1", http.StatusPreconditionFailed)
	err := c.UpdateSubscriptionState(context.Background(), tgt, "sub-1", "suspended")
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	fake.ClearFailures()
	require.NoError(t, c.UpdateSubscriptionState(context.Background(), tgt, "sub-1", "suspended"))
	sub, _ := fake.Subscription("sub-1")
	assert.Equal(t, "suspended", sub.State)
}

func TestRegenerateKeys(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{Name: "sub-1", Scope: "/products/starter", PrimaryKey: "pk", SecondaryKey: "sk"})
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()
	ctx := context.Background()

	require.NoError(t, c.RegeneratePrimaryKey(ctx, tgt, "sub-1"))
	got, _ := fake.Subscription("sub-1")
	assert.NotEqual(t, "pk", got.PrimaryKey)
	assert.Equal(t, "sk", got.SecondaryKey)

	require.NoError(t, c.RegenerateSecondaryKey(ctx, tgt, "sub-1"))
	got, _ = fake.Subscription("sub-1")
	assert.NotEqual(t, "sk", got.SecondaryKey)
}

func TestDeleteSubscription(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddSubscription(testutil.FakeSubscription{Name: "sub-1", Scope: "/products/starter"})
	c := newTestClient(t, fake, nil)
	tgt := testutil.NewTestTarget()

	require.NoError(t, c.DeleteSubscription(context.Background(), tgt, "sub-1"))
	_, ok := fake.Subscription("sub-1")
	assert.False(t, ok)

	// Deleting again is not an error.
	require.NoError(t, c.DeleteSubscription(context.Background(), tgt, "sub-1"))

	for _, r := range fake.Requests() {
		assert.Equal(t, "*", r.Header.Get("If-Match"))
	}
}

func TestDeleteUser(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	fake.AddUser("a-at-b-com", "a@b.com", "A", "B")
	c := newTestClient(t, fake, nil)

	require.NoError(t, c.DeleteUser(context.Background(), testutil.NewTestTarget(), "a-at-b-com"))
	assert.Empty(t, fake.Users())
	assert.Equal(t, "false", fake.Requests()[0].Query.Get("deleteSubscriptions"))
}

func TestPerCallTimeout(t *testing.T) {
	fake := testutil.NewFakeARM(t)
	c, err := NewClient(testutil.StaticCredential{}, Options{
		Endpoint:                        fake.URL(),
		InsecureAllowCredentialWithHTTP: true,
		Timeout:                         time.Nanosecond,
	})
	require.NoError(t, err)

	_, err = c.ListProducts(context.Background(), testutil.NewTestTarget())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextHeaderPolicy(t *testing.T) {
	type key struct{}
	fake := testutil.NewFakeARM(t)
	c, err := NewClient(testutil.StaticCredential{}, Options{
		Endpoint:                        fake.URL(),
		InsecureAllowCredentialWithHTTP: true,
		PerCallPolicies: []policy.Policy{
			ContextHeaderPolicy("x-ms-correlation-request-id", func(ctx context.Context) string {
				v, _ := ctx.Value(key{}).(string)
				return v
			}),
		},
	})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), key{}, "req-123")
	_, err = c.ListProducts(ctx, testutil.NewTestTarget())
	require.NoError(t, err)
	assert.Equal(t, "req-123", fake.Requests()[0].Header.Get("x-ms-correlation-request-id"))
}
