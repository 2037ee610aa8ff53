package security

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterStore_BurstThenDeny(t *testing.T) {
	s := NewLimiterStore(rate.Every(time.Hour), 2, time.Minute)

	if !s.Allow("user-1") || !s.Allow("user-1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if s.Allow("user-1") {
		t.Error("third call inside the window should be denied")
	}
	// an unrelated user has their own bucket
	if !s.Allow("user-2") {
		t.Error("separate keys must not share a bucket")
	}
}
