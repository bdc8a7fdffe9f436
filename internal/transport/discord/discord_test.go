package discord

import "testing"

func TestChannelIDRoundTrips(t *testing.T) {
	id, ok := ChannelID(DeviceHash("123456789"))
	if !ok || id != "123456789" {
		t.Fatalf("got (%q, %v), want (123456789, true)", id, ok)
	}
}

func TestChannelIDStripsSubAuthorSuffix(t *testing.T) {
	id, ok := ChannelID(DeviceHash("123456789") + "#alice")
	if !ok || id != "123456789" {
		t.Fatalf("got (%q, %v), want (123456789, true)", id, ok)
	}
}

func TestChannelIDRejectsForeignPrefix(t *testing.T) {
	if _, ok := ChannelID("telegram:123"); ok {
		t.Fatal("expected ChannelID to reject a non-discord hash")
	}
}
