package wizarr

import "testing"

func TestNormalizeInviteList(t *testing.T) {
	bare := []byte(`[{"code":"abc"},{"code":"def"}]`)
	wrapped := []byte(`{"invites":[{"code":"xyz"}]}`)

	if got := normalizeInviteList(bare); len(got) != 2 || got[0].Code != "abc" {
		t.Errorf("bare array: got %+v", got)
	}
	if got := normalizeInviteList(wrapped); len(got) != 1 || got[0].Code != "xyz" {
		t.Errorf("wrapped object: got %+v", got)
	}
	if got := normalizeInviteList([]byte(`123`)); got != nil {
		t.Errorf("garbage: expected nil, got %+v", got)
	}
}
