package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"unichat/internal/auth"
	"unichat/internal/chat"
	"unichat/internal/crypto"
	"unichat/internal/gateway"
	"unichat/internal/storage"
)

type stubValidator struct {
	result gateway.ValidationResult
	probes []gateway.CredentialProbe
}

func (v *stubValidator) ValidateCredential(_ context.Context, probe gateway.CredentialProbe) gateway.ValidationResult {
	v.probes = append(v.probes, probe)
	return v.result
}

// stubChat answers every turn with a fixed two-token stream so tests
// can drive the wire format without a provider.
type stubChat struct {
	reply    string
	err      error
	sessions []int64
	users    []int64
}

func (c *stubChat) RunSession(_ context.Context, conn chat.Conn, sessionID, userID int64) {
	c.sessions = append(c.sessions, sessionID)
	c.users = append(c.users, userID)
	c.serve(conn)
}

func (c *stubChat) RunStateless(_ context.Context, conn chat.Conn) {
	c.serve(conn)
}

func (c *stubChat) serve(conn chat.Conn) {
	for {
		var in chat.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		_ = conn.WriteJSON(chat.TokenEvent{Token: "Par"})
		_ = conn.WriteJSON(chat.TokenEvent{Token: "is"})
		_ = conn.WriteJSON(chat.EndEvent{End: true})
	}
}

func (c *stubChat) CompleteOnce(context.Context, string) (string, error) {
	return c.reply, c.err
}

type harness struct {
	srv       *httptest.Server
	store     *storage.Store
	validator *stubValidator
	chat      *stubChat
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.SeedProviders(ctx, storage.DefaultCatalog()); err != nil {
		t.Fatalf("seed providers: %v", err)
	}

	keyring, err := crypto.NewKeyring("test", map[string][]byte{"test": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	issuer, err := auth.NewTokenIssuer("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	validator := &stubValidator{result: gateway.ValidationResult{Valid: true, Message: "API key is valid and model is accessible"}}
	chatStub := &stubChat{reply: "Paris."}

	s := NewServer(Config{
		Auth:      auth.NewService(store, issuer),
		Store:     store,
		Keyring:   keyring,
		Validator: validator,
		Chat:      chatStub,
		Logger:    zerolog.Nop(),
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, store: store, validator: validator, chat: chatStub}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func (h *harness) register(t *testing.T, username string) {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "s3cret-pass",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", username, resp.StatusCode, body)
	}
}

func (h *harness) login(t *testing.T, username string) string {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/login", "", map[string]string{
		"username": username,
		"password": "s3cret-pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, resp.StatusCode, body)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return tok.AccessToken
}

func TestRegisterConflict(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")

	resp, _ := h.do(t, http.MethodPost, "/register", "", map[string]string{
		"username": "alice",
		"email":    "other@example.com",
		"password": "pw12345",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate username should be 409, got %d", resp.StatusCode)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")

	respWrong, bodyWrong := h.do(t, http.MethodPost, "/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	respUnknown, bodyUnknown := h.do(t, http.MethodPost, "/login", "", map[string]string{
		"username": "nobody", "password": "wrong-password",
	})

	if respWrong.StatusCode != http.StatusUnauthorized || respUnknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", respWrong.StatusCode, respUnknown.StatusCode)
	}
	if string(bodyWrong) != string(bodyUnknown) {
		t.Fatalf("failure bodies must match: %s vs %s", bodyWrong, bodyUnknown)
	}
}

func TestAuthRequiredOnMeRoutes(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/me/llm-configs", "/me/has-llm-config", "/me/chat-sessions"} {
		resp, _ := h.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token should be 401, got %d", path, resp.StatusCode)
		}
	}
	resp, _ := h.do(t, http.MethodGet, "/me/llm-configs", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token should be 401, got %d", resp.StatusCode)
	}
}

func TestProviderCatalogIsPublic(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/llm-providers", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var providers []providerResponse
	if err := json.Unmarshal(body, &providers); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(providers) != 3 {
		t.Fatalf("expected 3 seeded providers, got %d", len(providers))
	}
}

func TestCreateConfigNeverEchoesCredential(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")

	resp, body := h.do(t, http.MethodPost, "/me/llm-configs", token, map[string]any{
		"provider":   "groq",
		"model_name": "deepseek-r1-distill-llama-70b",
		"api_key":    "gsk_very_secret_value",
		"is_default": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
	if bytes.Contains(body, []byte("gsk_very_secret_value")) {
		t.Fatal("credential leaked into response")
	}

	var cfg configResponse
	if err := json.Unmarshal(body, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if !cfg.HasAPIKey || cfg.Provider != "groq" || !cfg.IsDefault {
		t.Fatalf("unexpected config %+v", cfg)
	}

	_, listBody := h.do(t, http.MethodGet, "/me/llm-configs", token, nil)
	if bytes.Contains(listBody, []byte("gsk_very_secret_value")) {
		t.Fatal("credential leaked into list response")
	}
}

func TestCreateConfigRejectsUnsupportedModel(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")

	resp, _ := h.do(t, http.MethodPost, "/me/llm-configs", token, map[string]any{
		"provider":   "groq",
		"model_name": "made-up-model",
		"api_key":    "gsk_x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported model should be 400, got %d", resp.StatusCode)
	}
}

func TestSetupDefaultConfigFlow(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")

	req := map[string]any{
		"provider":   "groq",
		"model_name": "deepseek-r1-distill-llama-70b",
		"api_key":    "gsk_probe_me",
	}
	resp, body := h.do(t, http.MethodPost, "/me/setup-default-config", token, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
	var out setupDefaultResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Validation.Valid || !out.Config.IsDefault {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(h.validator.probes) != 1 || h.validator.probes[0].APIKey != "gsk_probe_me" {
		t.Fatalf("expected one live probe with the submitted key, got %+v", h.validator.probes)
	}

	// Same provider again: conflict, no second probe.
	resp, _ = h.do(t, http.MethodPost, "/me/setup-default-config", token, req)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate provider config should be 409, got %d", resp.StatusCode)
	}
	if len(h.validator.probes) != 1 {
		t.Fatal("conflict path must not probe the credential")
	}

	_, hasBody := h.do(t, http.MethodGet, "/me/has-llm-config", token, nil)
	var has map[string]bool
	if err := json.Unmarshal(hasBody, &has); err != nil {
		t.Fatalf("decode has-config: %v", err)
	}
	if !has["has_config"] {
		t.Fatal("has_config should be true after setup")
	}
}

func TestSetupDefaultConfigRejectsInvalidCredential(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")
	h.validator.result = gateway.ValidationResult{
		Valid:     false,
		Message:   "Invalid API key. Please check your API key and try again.",
		ErrorKind: "authentication",
	}

	resp, body := h.do(t, http.MethodPost, "/me/setup-default-config", token, map[string]any{
		"provider":   "groq",
		"model_name": "deepseek-r1-distill-llama-70b",
		"api_key":    "gsk_bad",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid credential should be 400, got %d body %s", resp.StatusCode, body)
	}

	_, hasBody := h.do(t, http.MethodGet, "/me/has-llm-config", token, nil)
	var has map[string]bool
	_ = json.Unmarshal(hasBody, &has)
	if has["has_config"] {
		t.Fatal("nothing should be stored when validation fails")
	}
}

func TestForeignSessionReads404(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	h.register(t, "bob")
	aliceTok := h.login(t, "alice")
	bobTok := h.login(t, "bob")

	_, cfgBody := h.do(t, http.MethodPost, "/me/llm-configs", aliceTok, map[string]any{
		"provider":   "groq",
		"model_name": "llama3-8b-8192",
		"api_key":    "gsk_x",
		"is_default": true,
	})
	var cfg configResponse
	if err := json.Unmarshal(cfgBody, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}

	resp, sessBody := h.do(t, http.MethodPost, "/me/chat-sessions", aliceTok, map[string]any{
		"llm_config_id": cfg.ID,
		"title":         "mine",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", resp.StatusCode, sessBody)
	}
	var sess sessionResponse
	if err := json.Unmarshal(sessBody, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	// Bob probing Alice's session and a missing one must read the same.
	foreign, foreignBody := h.do(t, http.MethodGet, fmt.Sprintf("/me/chat-sessions/%d/messages", sess.ID), bobTok, nil)
	missing, missingBody := h.do(t, http.MethodGet, "/me/chat-sessions/999999/messages", bobTok, nil)
	if foreign.StatusCode != http.StatusNotFound || missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404/404, got %d/%d", foreign.StatusCode, missing.StatusCode)
	}
	if string(foreignBody) != string(missingBody) {
		t.Fatalf("foreign and missing must be indistinguishable: %s vs %s", foreignBody, missingBody)
	}

	// Bob also cannot build a session on Alice's config.
	resp, _ = h.do(t, http.MethodPost, "/me/chat-sessions", bobTok, map[string]any{
		"llm_config_id": cfg.ID,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign config should be 404, got %d", resp.StatusCode)
	}
}

func TestSingleShotChat(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/chat", "", map[string]string{"message": "capital of France?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
	var out chatOnceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response != "Paris." {
		t.Fatalf("unexpected reply %q", out.Response)
	}

	resp, _ = h.do(t, http.MethodPost, "/chat", "", map[string]string{"message": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank message should be 400, got %d", resp.StatusCode)
	}
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

// dialWS goes through the full Handler stack, middleware included, so
// the upgrade itself is under test.
func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTurn(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i, want := range []map[string]any{
		{"token": "Par"},
		{"token": "is"},
		{"end": true},
	} {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		for k, v := range want {
			if frame[k] != v {
				t.Fatalf("frame %d: expected %v, got %v", i, want, frame)
			}
		}
	}
}

func TestStatelessSocketRoundTrip(t *testing.T) {
	h := newHarness(t)

	conn := dialWS(t, h.wsURL("/ws/chat"))
	if err := conn.WriteJSON(map[string]string{"message": "capital of France?"}); err != nil {
		t.Fatalf("write turn: %v", err)
	}
	readTurn(t, conn)
}

func TestSessionSocketRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")

	_, cfgBody := h.do(t, http.MethodPost, "/me/llm-configs", token, map[string]any{
		"provider":   "groq",
		"model_name": "llama3-8b-8192",
		"api_key":    "gsk_x",
		"is_default": true,
	})
	var cfg configResponse
	if err := json.Unmarshal(cfgBody, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	_, sessBody := h.do(t, http.MethodPost, "/me/chat-sessions", token, map[string]any{
		"llm_config_id": cfg.ID,
	})
	var sess sessionResponse
	if err := json.Unmarshal(sessBody, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	conn := dialWS(t, h.wsURL(fmt.Sprintf("/ws/chat/%d?token=%s", sess.ID, token)))
	if err := conn.WriteJSON(map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("write turn: %v", err)
	}
	readTurn(t, conn)

	if len(h.chat.sessions) != 1 || h.chat.sessions[0] != sess.ID {
		t.Fatalf("orchestrator should receive session %d, got %v", sess.ID, h.chat.sessions)
	}
}

func TestSessionSocketRejectsBeforeUpgrade(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")
	token := h.login(t, "alice")

	// No token: handshake refused as unauthorized.
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws/chat/1"), nil)
	if err == nil {
		t.Fatal("expected handshake failure without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %+v", resp)
	}

	// Valid token, missing session: 404 before any upgrade.
	_, resp, err = websocket.DefaultDialer.Dial(h.wsURL("/ws/chat/999999?token="+token), nil)
	if err == nil {
		t.Fatal("expected handshake failure for missing session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake, got %+v", resp)
	}
	if len(h.chat.sessions) != 0 {
		t.Fatal("rejected handshakes must not reach the orchestrator")
	}
}

func TestConfigurableHealthAndMetricsPaths(t *testing.T) {
	s := NewServer(Config{
		HealthPath:  "/status",
		MetricsPath: "/internal/metrics",
		Logger:      zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, path := range []string{"/status", "/internal/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("default path should move with the config, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Fatal("every response should carry a request id")
	}
}
