package model

import (
	"testing"
	"time"
)

func TestTargetState(t *testing.T) {
	tests := []struct {
		action string
		want   SubscriptionState
		ok     bool
	}{
		{"activate", StateActive, true},
		{"SUSPEND", StateSuspended, true},
		{"Cancel", StateCancelled, true},
		{"pause", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := TargetState(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Errorf("TargetState(%q) = (%q, %v), want (%q, %v)", tt.action, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseKeyType(t *testing.T) {
	tests := []struct {
		in   string
		want KeyType
		ok   bool
	}{
		{"primary", KeyPrimary, true},
		{"Secondary", KeySecondary, true},
		{"tertiary", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseKeyType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseKeyType(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSubscriptionName(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got := SubscriptionName("P1", "A@b.com", now)
	if got != "p1-a-20250102030405" {
		t.Errorf("unexpected name %q", got)
	}

	// Non-UTC clocks are normalized.
	est := time.FixedZone("EST", -5*3600)
	got = SubscriptionName("starter", "jane.doe@contoso.com", time.Date(2025, 1, 1, 22, 0, 0, 0, est))
	if got != "starter-jane.doe-20250102030000" {
		t.Errorf("unexpected name %q", got)
	}

	got = SubscriptionName("P1", "Jane+Billing@b.com", now)
	if got != "p1-jane-billing-20250102030405" {
		t.Errorf("unexpected name %q", got)
	}
}

func TestProductIDFromScope(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"/subscriptions/s/resourceGroups/rg/providers/Microsoft.ApiManagement/service/apim/products/P2", "P2"},
		{"/products/starter", "starter"},
		{"/subscriptions/s/resourceGroups/rg/providers/Microsoft.ApiManagement/service/apim/apis/echo", UnknownProductID},
		{"/subscriptions/s/products", UnknownProductID},
		{"", UnknownProductID},
	}
	for _, tt := range tests {
		if got := ProductIDFromScope(tt.scope); got != tt.want {
			t.Errorf("ProductIDFromScope(%q) = %q, want %q", tt.scope, got, tt.want)
		}
	}
}

func TestUserIDFromEmail(t *testing.T) {
	tests := map[string]string{
		"a@b.com":              "a-at-b-com",
		"Jane.Doe@Contoso.com": "jane-doe-at-contoso-com",
	}
	for in, want := range tests {
		if got := UserIDFromEmail(in); got != want {
			t.Errorf("UserIDFromEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"Jane Doe", "Jane", "Doe"},
		{"Jane van der Berg", "Jane", "van der Berg"},
		{"Cher", "Cher", ""},
		{"  Jane  Doe ", "Jane", "Doe"},
	}
	for _, tt := range tests {
		first, last := SplitName(tt.in)
		if first != tt.first || last != tt.last {
			t.Errorf("SplitName(%q) = (%q, %q), want (%q, %q)", tt.in, first, last, tt.first, tt.last)
		}
	}
}
