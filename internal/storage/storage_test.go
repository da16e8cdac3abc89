package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := Open(context.Background(), "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUserAndProvider(t *testing.T, s *Store) (User, Provider) {
	t.Helper()
	ctx := context.Background()

	user, err := s.CreateUser(ctx, "alice", "alice@example.com", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.SeedProviders(ctx, DefaultCatalog()); err != nil {
		t.Fatalf("seed providers: %v", err)
	}
	provider, err := s.GetProviderByName(ctx, "groq")
	if err != nil {
		t.Fatalf("get provider: %v", err)
	}
	return user, provider
}

func TestCreateUserConflicts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "alice", "alice@example.com", "h"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateUser(ctx, "alice", "other@example.com", "h"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate username: expected ErrConflict, got %v", err)
	}
	if _, err := s.CreateUser(ctx, "bob", "alice@example.com", "h"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email: expected ErrConflict, got %v", err)
	}

	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: expected ErrNotFound, got %v", err)
	}
}

func TestSeedProvidersIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.SeedProviders(ctx, DefaultCatalog()); err != nil {
			t.Fatalf("seed pass %d: %v", i, err)
		}
	}
	providers, err := s.ListActiveProviders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(providers) != 3 {
		t.Fatalf("expected 3 providers after reseeding, got %d", len(providers))
	}
	if len(providers[0].SupportedModels) == 0 {
		t.Fatal("supported models should round-trip through the catalog")
	}
}

func TestSingleDefaultConfigPerUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user, provider := seedUserAndProvider(t, s)

	first, err := s.CreateLLMConfig(ctx, LLMConfig{
		UserID: user.ID, ProviderID: provider.ID, ModelName: "llama3-8b-8192", IsDefault: true,
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	second, err := s.CreateLLMConfig(ctx, LLMConfig{
		UserID: user.ID, ProviderID: provider.ID, ModelName: "llama3-70b-8192", IsDefault: true,
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	def, err := s.GetDefaultLLMConfig(ctx, user.ID)
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.ID != second.ID {
		t.Fatalf("default should be the newest, got id %d want %d", def.ID, second.ID)
	}

	configs, err := s.ListLLMConfigs(ctx, user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, c := range configs {
		if c.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
	if first.ID == second.ID {
		t.Fatal("sanity: two distinct configs expected")
	}
}

func TestConfigLookupIsOwnerScoped(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	alice, provider := seedUserAndProvider(t, s)
	bob, err := s.CreateUser(ctx, "bob", "bob@example.com", "h")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	cfg, err := s.CreateLLMConfig(ctx, LLMConfig{
		UserID: alice.ID, ProviderID: provider.ID, ModelName: "llama3-8b-8192",
	})
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	if _, err := s.GetLLMConfig(ctx, bob.ID, cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign config must read as absent, got %v", err)
	}
	if _, err := s.GetLLMConfig(ctx, alice.ID, cfg.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
}

func TestSessionOwnershipAndMessageOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	alice, provider := seedUserAndProvider(t, s)
	bob, err := s.CreateUser(ctx, "bob", "bob@example.com", "h")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	cfg, err := s.CreateLLMConfig(ctx, LLMConfig{
		UserID: alice.ID, ProviderID: provider.ID, ModelName: "llama3-8b-8192", IsDefault: true,
	})
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	// Bob cannot build a session on Alice's config.
	if _, err := s.CreateSession(ctx, bob.ID, cfg.ID, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign config session: expected ErrNotFound, got %v", err)
	}

	title := "capitals"
	sess, err := s.CreateSession(ctx, alice.ID, cfg.ID, &title)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := s.GetSessionForUser(ctx, sess.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign session must read as absent, got %v", err)
	}
	if _, err := s.GetSessionWithConfig(ctx, sess.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign session join must read as absent, got %v", err)
	}

	turns := []struct{ role, content string }{
		{RoleUser, "capital of France?"},
		{RoleAssistant, "Paris."},
		{RoleUser, "and Italy?"},
		{RoleAssistant, "Rome."},
	}
	for _, turn := range turns {
		if _, err := s.AppendMessage(ctx, sess.ID, turn.role, turn.content); err != nil {
			t.Fatalf("append %q: %v", turn.content, err)
		}
	}

	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != len(turns) {
		t.Fatalf("expected %d messages, got %d", len(turns), len(msgs))
	}
	for i, m := range msgs {
		if m.Role != turns[i].role || m.Content != turns[i].content {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}

	if _, err := s.AppendMessage(ctx, sess.ID, "system", "nope"); err == nil {
		t.Fatal("system role must be rejected at the storage layer")
	}
}

func TestGetSessionWithConfigCarriesEnvelope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	alice, provider := seedUserAndProvider(t, s)

	envelope := `{"key_id":"k1","nonce":"bm9uY2U=","ciphertext":"Y3Q="}`
	cfg, err := s.CreateLLMConfig(ctx, LLMConfig{
		UserID: alice.ID, ProviderID: provider.ID, ModelName: "llama3-8b-8192",
		APIKeyEnvelope: &envelope, ParamsJSON: `{"temperature":0.2}`, IsDefault: true,
	})
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	sess, err := s.CreateSession(ctx, alice.ID, cfg.ID, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetSessionWithConfig(ctx, sess.ID, alice.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got.Config.APIKeyEnvelope == nil || *got.Config.APIKeyEnvelope != envelope {
		t.Fatalf("envelope lost in join: %+v", got.Config)
	}
	if got.Config.ParamsJSON != `{"temperature":0.2}` {
		t.Fatalf("params lost in join: %q", got.Config.ParamsJSON)
	}
}
