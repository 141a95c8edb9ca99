package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// FakeAPIVersion is the api-version the fake accepts unless overridden.
const FakeAPIVersion = "2024-05-01"

var servicePathPattern = regexp.MustCompile(
	`^/subscriptions/[^/]+/resourceGroups/[^/]+/providers/Microsoft\.ApiManagement/service/[^/]+`)

// FakeProduct seeds a product.
type FakeProduct struct {
	Name                 string
	DisplayName          string
	Description          string
	State                string
	SubscriptionRequired *bool
}

// FakeUser is a user held by the fake.
type FakeUser struct {
	ID        string
	Name      string
	Email     string
	FirstName string
	LastName  string
	State     string
}

// FakeSubscription is a subscription held by the fake.
type FakeSubscription struct {
	Name         string
	DisplayName  string
	Scope        string
	OwnerID      string
	State        string
	AllowTracing bool
	CreatedDate  time.Time
	PrimaryKey   string
	SecondaryKey string
	Version      int
}

// RecordedRequest is one request seen by the fake. Path is relative to the
// APIM service resource, e.g. "/subscriptions/sub-1/listSecrets".
type RecordedRequest struct {
	Method   string
	Path     string
	FullPath string
	Query    url.Values
	Header   http.Header
	Body     []byte
}

type failure struct {
	method string
	suffix string
	status int
}

// FakeARM is an in-memory stand-in for the Microsoft.ApiManagement ARM
// surface used by the billing service.
type FakeARM struct {
	Server     *httptest.Server
	APIVersion string

	mu            sync.Mutex
	products      []FakeProduct
	users         []*FakeUser
	subscriptions map[string]*FakeSubscription
	order         []string
	requests      []RecordedRequest
	failures      []failure
	keySeq        int
	now           func() time.Time
}

// NewFakeARM starts the fake and stops it when the test ends.
func NewFakeARM(t testing.TB) *FakeARM {
	t.Helper()

	f := &FakeARM{
		APIVersion:    FakeAPIVersion,
		subscriptions: make(map[string]*FakeSubscription),
		now:           func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(f.record)
	r.Route("/subscriptions/{sub}/resourceGroups/{rg}/providers/Microsoft.ApiManagement/service/{svc}", func(r chi.Router) {
		r.Get("/products", f.listProducts)
		r.Get("/users", f.listUsers)
		r.Put("/users/{name}", f.putUser)
		r.Delete("/users/{name}", f.deleteUser)
		r.Get("/subscriptions", f.listSubscriptions)
		r.Get("/subscriptions/{name}", f.getSubscription)
		r.Put("/subscriptions/{name}", f.putSubscription)
		r.Delete("/subscriptions/{name}", f.deleteSubscription)
		r.Post("/subscriptions/{name}/listSecrets", f.listSecrets)
		r.Post("/subscriptions/{name}/regeneratePrimaryKey", f.regenerate(true))
		r.Post("/subscriptions/{name}/regenerateSecondaryKey", f.regenerate(false))
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		armError(w, http.StatusNotFound, "InvalidResourceType", "no route for "+r.URL.Path)
	})

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the ARM endpoint to configure clients with.
func (f *FakeARM) URL() string {
	return f.Server.URL
}

// SetClock fixes the time stamped on created subscriptions.
func (f *FakeARM) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// AddProduct seeds a product.
func (f *FakeARM) AddProduct(p FakeProduct) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = append(f.products, p)
}

// AddUser seeds a user on the default test target and returns its ARM id.
func (f *FakeARM) AddUser(name, email, firstName, lastName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := NewTestTarget().ServiceID() + "/users/" + name
	f.users = append(f.users, &FakeUser{
		ID: id, Name: name, Email: email, FirstName: firstName, LastName: lastName, State: "active",
	})
	return id
}

// AddSubscription seeds a subscription. Missing keys are generated.
func (f *FakeARM) AddSubscription(s FakeSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.PrimaryKey == "" {
		s.PrimaryKey = f.nextKey(s.Name, "primary")
	}
	if s.SecondaryKey == "" {
		s.SecondaryKey = f.nextKey(s.Name, "secondary")
	}
	if s.Version == 0 {
		s.Version = 1
	}
	f.putSub(&s)
}

// Subscription returns a copy of the named subscription.
func (f *FakeARM) Subscription(name string) (FakeSubscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[strings.ToLower(name)]
	if !ok {
		return FakeSubscription{}, false
	}
	return *s, true
}

// Subscriptions returns copies of all subscriptions in creation order.
func (f *FakeARM) Subscriptions() []FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSubscription, 0, len(f.order))
	for _, key := range f.order {
		out = append(out, *f.subscriptions[key])
	}
	return out
}

// Users returns copies of all users.
func (f *FakeARM) Users() []FakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeUser, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out
}

// Touch bumps a subscription's version, as a concurrent writer would.
func (f *FakeARM) Touch(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subscriptions[strings.ToLower(name)]; ok {
		s.Version++
	}
}

// FailOn makes every request with method whose relative path ends in suffix
// answer status until ClearFailures is called.
func (f *FakeARM) FailOn(method, suffix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{method: method, suffix: suffix, status: status})
}

// ClearFailures removes all injected failures.
func (f *FakeARM) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = nil
}

// Requests returns every request seen so far.
func (f *FakeARM) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// Count returns how many requests used method on a relative path ending in suffix.
// An empty method matches any method.
func (f *FakeARM) Count(method, suffix string) int {
	n := 0
	for _, r := range f.Requests() {
		if (method == "" || r.Method == method) && strings.HasSuffix(r.Path, suffix) {
			n++
		}
	}
	return n
}

func (f *FakeARM) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		rel := servicePathPattern.ReplaceAllString(r.URL.Path, "")

		f.mu.Lock()
		f.requests = append(f.requests, RecordedRequest{
			Method:   r.Method,
			Path:     rel,
			FullPath: r.URL.Path,
			Query:    r.URL.Query(),
			Header:   r.Header.Clone(),
			Body:     body,
		})
		var injected int
		for _, fl := range f.failures {
			if fl.method == r.Method && strings.HasSuffix(rel, fl.suffix) {
				injected = fl.status
				break
			}
		}
		apiVersion := f.APIVersion
		f.mu.Unlock()

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			armError(w, http.StatusUnauthorized, "AuthenticationFailed", "missing bearer token")
			return
		}
		if got := r.URL.Query().Get("api-version"); got != apiVersion {
			armError(w, http.StatusBadRequest, "InvalidApiVersionParameter", "unsupported api-version "+got)
			return
		}
		if injected != 0 {
			armError(w, injected, "InjectedFailure", fmt.Sprintf("injected %d for %s %s", injected, r.Method, rel))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func serviceID(r *http.Request) string {
	return servicePathPattern.FindString(r.URL.Path)
}

func (f *FakeARM) listProducts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := make([]map[string]any, 0, len(f.products))
	for _, p := range f.products {
		props := map[string]any{
			"displayName": p.DisplayName,
			"state":       p.State,
		}
		if p.Description != "" {
			props["description"] = p.Description
		}
		if p.SubscriptionRequired != nil {
			props["subscriptionRequired"] = *p.SubscriptionRequired
		}
		value = append(value, map[string]any{
			"id":         serviceID(r) + "/products/" + p.Name,
			"type":       "Microsoft.ApiManagement/service/products",
			"name":       p.Name,
			"properties": props,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func userJSON(u *FakeUser) map[string]any {
	return map[string]any{
		"id":   u.ID,
		"type": "Microsoft.ApiManagement/service/users",
		"name": u.Name,
		"properties": map[string]any{
			"email":     u.Email,
			"firstName": u.FirstName,
			"lastName":  u.LastName,
			"state":     u.State,
		},
	}
}

func (f *FakeARM) listUsers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := make([]map[string]any, 0, len(f.users))
	for _, u := range f.users {
		value = append(value, userJSON(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (f *FakeARM) putUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties struct {
			Email     string `json:"email"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
			State     string `json:"state"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		armError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	p := body.Properties
	if p.Email == "" || p.FirstName == "" || p.LastName == "" {
		armError(w, http.StatusBadRequest, "ValidationError", "email, firstName and lastName are required")
		return
	}

	name := chi.URLParam(r, "name")

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if strings.EqualFold(u.Name, name) {
			u.Email, u.FirstName, u.LastName = p.Email, p.FirstName, p.LastName
			writeJSON(w, http.StatusOK, userJSON(u))
			return
		}
	}

	u := &FakeUser{
		ID:        serviceID(r) + "/users/" + name,
		Name:      name,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		State:     p.State,
	}
	f.users = append(f.users, u)
	writeJSON(w, http.StatusCreated, userJSON(u))
}

func (f *FakeARM) deleteUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	f.mu.Lock()
	defer f.mu.Unlock()

	for i, u := range f.users {
		if strings.EqualFold(u.Name, name) {
			f.users = append(f.users[:i], f.users[i+1:]...)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func subscriptionJSON(svcID string, s *FakeSubscription) map[string]any {
	return map[string]any{
		"id":   svcID + "/subscriptions/" + s.Name,
		"type": "Microsoft.ApiManagement/service/subscriptions",
		"name": s.Name,
		"properties": map[string]any{
			"ownerId":      s.OwnerID,
			"scope":        s.Scope,
			"displayName":  s.DisplayName,
			"state":        s.State,
			"createdDate":  s.CreatedDate.UTC().Format(time.RFC3339),
			"allowTracing": s.AllowTracing,
		},
	}
}

func etag(s *FakeSubscription) string {
	return `"` + strconv.Itoa(s.Version) + `"`
}

func (f *FakeARM) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := make([]map[string]any, 0, len(f.order))
	for _, key := range f.order {
		value = append(value, subscriptionJSON(serviceID(r), f.subscriptions[key]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (f *FakeARM) getSubscription(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.subscriptions[strings.ToLower(chi.URLParam(r, "name"))]
	if !ok {
		armError(w, http.StatusNotFound, "ResourceNotFound", "Subscription not found.")
		return
	}
	w.Header().Set("ETag", etag(s))
	writeJSON(w, http.StatusOK, subscriptionJSON(serviceID(r), s))
}

func (f *FakeARM) putSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Properties struct {
			OwnerID      string `json:"ownerId"`
			Scope        string `json:"scope"`
			DisplayName  string `json:"displayName"`
			State        string `json:"state"`
			AllowTracing *bool  `json:"allowTracing"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		armError(w, http.StatusBadRequest, "ValidationError", err.Error())
		return
	}
	p := body.Properties
	if p.Scope == "" {
		armError(w, http.StatusBadRequest, "ValidationError", "scope is required")
		return
	}

	name := chi.URLParam(r, "name")

	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.subscriptions[strings.ToLower(name)]; ok {
		if m := r.Header.Get("If-Match"); m != "" && m != "*" && m != etag(s) {
			armError(w, http.StatusPreconditionFailed, "PreconditionFailed", "ETag mismatch")
			return
		}
		s.OwnerID, s.Scope, s.DisplayName, s.State = p.OwnerID, p.Scope, p.DisplayName, p.State
		if p.AllowTracing != nil {
			s.AllowTracing = *p.AllowTracing
		}
		s.Version++
		w.Header().Set("ETag", etag(s))
		writeJSON(w, http.StatusOK, subscriptionJSON(serviceID(r), s))
		return
	}

	s := &FakeSubscription{
		Name:         name,
		DisplayName:  p.DisplayName,
		Scope:        p.Scope,
		OwnerID:      p.OwnerID,
		State:        p.State,
		CreatedDate:  f.now(),
		PrimaryKey:   f.nextKey(name, "primary"),
		SecondaryKey: f.nextKey(name, "secondary"),
		Version:      1,
	}
	if p.AllowTracing != nil {
		s.AllowTracing = *p.AllowTracing
	}
	f.putSub(s)
	w.Header().Set("ETag", etag(s))
	writeJSON(w, http.StatusCreated, subscriptionJSON(serviceID(r), s))
}

func (f *FakeARM) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	key := strings.ToLower(chi.URLParam(r, "name"))

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscriptions[key]; !ok {
		armError(w, http.StatusNotFound, "ResourceNotFound", "Subscription not found.")
		return
	}
	delete(f.subscriptions, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeARM) listSecrets(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.subscriptions[strings.ToLower(chi.URLParam(r, "name"))]
	if !ok {
		armError(w, http.StatusNotFound, "ResourceNotFound", "Subscription not found.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"primaryKey":   s.PrimaryKey,
		"secondaryKey": s.SecondaryKey,
	})
}

func (f *FakeARM) regenerate(primary bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		s, ok := f.subscriptions[strings.ToLower(chi.URLParam(r, "name"))]
		if !ok {
			armError(w, http.StatusNotFound, "ResourceNotFound", "Subscription not found.")
			return
		}
		if primary {
			s.PrimaryKey = f.nextKey(s.Name, "primary")
		} else {
			s.SecondaryKey = f.nextKey(s.Name, "secondary")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// putSub stores s; callers hold f.mu.
func (f *FakeARM) putSub(s *FakeSubscription) {
	key := strings.ToLower(s.Name)
	if _, exists := f.subscriptions[key]; !exists {
		f.order = append(f.order, key)
	}
	f.subscriptions[key] = s
}

// nextKey returns a unique key; callers hold f.mu.
func (f *FakeARM) nextKey(name, kind string) string {
	f.keySeq++
	return fmt.Sprintf("%s-%s-%04d", kind, name, f.keySeq)
}

func armError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
