package userstore

import (
	"testing"
	"time"

	"github.com/yofutures/impulse-screener/auth"
)

func newTestStore() *InMemoryStore {
	return NewInMemoryStore(auth.NewSigner("test-secret"), time.Hour)
}

func TestCreateUserIssuesResolvableToken(t *testing.T) {
	s := newTestStore()

	profile, err := s.CreateUser("chat-1")
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if profile.Token == "" {
		t.Fatal("expected a non-empty token")
	}

	userID, ok := s.ResolveToken(profile.Token)
	if !ok {
		t.Fatal("expected the freshly issued token to resolve")
	}
	if userID != profile.UserID {
		t.Fatalf("expected resolved user id %s, got %s", profile.UserID, userID)
	}
}

func TestResolveTokenRejectsUnknownToken(t *testing.T) {
	s := newTestStore()
	other := NewInMemoryStore(auth.NewSigner("other-secret"), time.Hour)

	profile, err := other.CreateUser("")
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	if _, ok := s.ResolveToken(profile.Token); ok {
		t.Fatal("expected a token signed with a different secret to be rejected")
	}
}

func TestGetUserConfigReturnsEnumeratedDefaults(t *testing.T) {
	s := newTestStore()
	profile, _ := s.CreateUser("")

	cfg, ok := s.GetUserConfig(profile.UserID)
	if !ok {
		t.Fatal("expected config for a known user")
	}
	for key, allowed := range AllowedFilters {
		if cfg[key] != allowed[0] {
			t.Fatalf("expected default %v for %s, got %v", allowed[0], key, cfg[key])
		}
	}
}

func TestPatchUserConfigDropsUnknownAndDisallowedValues(t *testing.T) {
	s := newTestStore()
	profile, _ := s.CreateUser("")

	merged, err := s.PatchUserConfig(profile.UserID, map[string]float64{
		"volume_threshold": 2e7,       // allowed
		"min_trades_24h":   999999,    // not in the enumerated set
		"not_a_real_key":   123,       // unknown key
	})
	if err != nil {
		t.Fatalf("PatchUserConfig returned error: %v", err)
	}

	if merged["volume_threshold"] != 2e7 {
		t.Fatalf("expected volume_threshold override to apply, got %v", merged["volume_threshold"])
	}
	if merged["min_trades_24h"] != AllowedFilters["min_trades_24h"][0] {
		t.Fatalf("expected min_trades_24h to keep its default after a disallowed patch value")
	}
	if _, ok := merged["not_a_real_key"]; ok {
		t.Fatal("expected an unknown key to be dropped from the merged config")
	}
}

func TestPatchUserConfigUnknownUser(t *testing.T) {
	s := newTestStore()
	if _, err := s.PatchUserConfig("nobody", map[string]float64{"volume_threshold": 2e7}); err == nil {
		t.Fatal("expected an error patching an unknown user")
	}
}

func TestAllUsersSnapshotIsIndependent(t *testing.T) {
	s := newTestStore()
	profile, _ := s.CreateUser("chat-9")

	snapshot := s.AllUsers()
	p, ok := snapshot[profile.UserID]
	if !ok {
		t.Fatal("expected the created user to appear in AllUsers")
	}
	if p.ChatID != "chat-9" {
		t.Fatalf("expected chat id chat-9, got %s", p.ChatID)
	}

	p.ChatID = "mutated"
	fresh, _ := s.GetUserConfig(profile.UserID)
	if fresh == nil {
		t.Fatal("expected config lookup to still succeed after mutating the snapshot copy")
	}
	if again := s.AllUsers()[profile.UserID]; again.ChatID != "chat-9" {
		t.Fatalf("expected stored chat id to stay chat-9 after mutating the snapshot, got %s", again.ChatID)
	}
}
