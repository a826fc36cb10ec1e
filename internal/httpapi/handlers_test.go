package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"scriptgate.org/internal/accounts"
	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/authority"
	"scriptgate.org/internal/backup"
	"scriptgate.org/internal/catalog"
	"scriptgate.org/internal/integrity"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/ledger"
	"scriptgate.org/internal/store/sqlstore"
	"scriptgate.org/internal/stream"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-password"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	mem     *authority.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.OpenMigrated(ctx, "sqlite", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	tokens := keys.NewTokenIssuer(signer, time.Minute)
	acctSvc := accounts.NewService(st, tokens)
	if _, _, err := acctSvc.EnsureAdmin(ctx, adminEmail, adminPassword); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}

	hub := stream.New()
	pub := audit.NewPublisher(audit.StreamSink(hub))
	mem := authority.NewInMemory()

	api := New(ReadyProbe{DB: st}, "test", Services{
		Signer:    signer,
		Accounts:  acctSvc,
		Keys:      keys.NewRegistry(st),
		Pending:   tokens,
		Catalog:   catalog.New(st, catalog.WithPublisher(pub)),
		Ledger:    ledger.NewCoordinator(st, authority.NewGuard(mem), ledger.WithPublisher(pub)),
		Audit:     audit.NewLog(st),
		Stream:    hub,
		Integrity: integrity.New(st),
		Backups:   backup.NewCoordinator(st, t.TempDir()),
	}, WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		mem:     mem,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) obtainToken(email, password string) (string, string) {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"email": email, "password": password}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token, payload.AccountID
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// enrollMember walks a key through issue, redeem and enrollment and returns
// the member's token and account id.
func (c *apiClient) enrollMember(adminToken, email string) (string, string) {
	c.t.Helper()
	resp := c.post("/v1/keys", map[string]any{"name": "Member", "email": email}, adminToken)
	expectStatus(c.t, resp, http.StatusCreated)
	key := decode[map[string]any](c.t, resp)
	code := key["code"].(string)

	resp = c.post("/v1/keys/redeem", map[string]any{"code": strings.ReplaceAll(code, "-", "")}, "")
	expectStatus(c.t, resp, http.StatusOK)
	pending := decode[keys.Pending](c.t, resp)

	resp = c.post("/v1/enrollments", map[string]any{
		"pending_token": pending.Token,
		"email":         email,
		"password":      "member-password",
	}, "")
	expectStatus(c.t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.post("/v1/keys/redeem", map[string]any{"code": code}, "")
	expectStatus(c.t, resp, http.StatusNotFound)
	resp.Body.Close()

	return c.obtainToken(email, "member-password")
}

func (c *apiClient) addResource(adminToken, externalID, name string) map[string]any {
	c.t.Helper()
	resp := c.post("/v1/resources", map[string]any{"external_id": externalID, "name": name}, adminToken)
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[map[string]any](c.t, resp)
}

func TestAPIEnrollGrantRevokeFlow(t *testing.T) {
	api := newTestAPI(t)
	adminToken, _ := api.obtainToken(adminEmail, adminPassword)
	alpha := api.addResource(adminToken, "PUB;alpha", "Alpha")
	beta := api.addResource(adminToken, "PUB;beta", "Beta")

	memberToken, memberID := api.enrollMember(adminToken, "member@example.com")

	resp := api.get("/v1/resources", nil, memberToken)
	expectStatus(t, resp, http.StatusOK)
	listing := decode[map[string][]map[string]any](t, resp)
	if len(listing["items"]) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(listing["items"]))
	}

	api.mem.Reject("PUB;beta", "Failure")
	resp = api.post("/v1/accounts/"+memberID+"/grant", map[string]any{
		"identity":     "alice",
		"resource_ids": []string{alpha["id"].(string), beta["id"].(string)},
	}, memberToken)
	expectStatus(t, resp, http.StatusOK)
	granted := decode[batchResponse](t, resp)
	if granted.Succeeded != 1 || granted.Failed != 1 || !granted.Partial || !granted.Changed {
		t.Fatalf("unexpected grant result: %+v", granted)
	}

	resp = api.get("/v1/accounts/"+memberID+"/access", nil, memberToken)
	expectStatus(t, resp, http.StatusOK)
	view := decode[ledger.Access](t, resp)
	if view.Identity != "alice" || len(view.Held) != 1 || view.Held[0].Name != "Alpha" {
		t.Fatalf("unexpected access view: %+v", view)
	}

	resp = api.get("/v1/audit", nil, memberToken)
	expectStatus(t, resp, http.StatusOK)
	audits := decode[map[string][]map[string]any](t, resp)
	if len(audits["items"]) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audits["items"]))
	}

	resp = api.post("/v1/accounts/"+memberID+"/revoke", map[string]any{"all": true}, memberToken)
	expectStatus(t, resp, http.StatusOK)
	revoked := decode[batchResponse](t, resp)
	if revoked.Succeeded != 1 || !revoked.IdentityCleared {
		t.Fatalf("unexpected revoke result: %+v", revoked)
	}
	if api.mem.Holds("alice", "PUB;alpha") {
		t.Fatal("authority must no longer hold the grant")
	}
}

func TestAPIMemberBoundaries(t *testing.T) {
	api := newTestAPI(t)
	adminToken, adminID := api.obtainToken(adminEmail, adminPassword)
	memberToken, _ := api.enrollMember(adminToken, "member@example.com")
	_, otherID := api.enrollMember(adminToken, "other@example.com")

	resp := api.get("/v1/keys", nil, memberToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+otherID+"/access", nil, memberToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/audit", url.Values{"account_id": []string{otherID}}, memberToken)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/accounts/"+otherID+"/access", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resource := api.addResource(adminToken, "PUB;alpha", "Alpha")
	resp = api.post("/v1/accounts/"+adminID+"/grant", map[string]any{
		"identity":     "root",
		"resource_ids": []string{resource["id"].(string)},
	}, adminToken)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestAPIAuthorityUnavailable(t *testing.T) {
	api := newTestAPI(t)
	adminToken, _ := api.obtainToken(adminEmail, adminPassword)
	api.addResource(adminToken, "PUB;alpha", "Alpha")
	memberToken, memberID := api.enrollMember(adminToken, "member@example.com")

	api.mem.SetUnavailable(errors.New("dial tcp: connection refused"))
	resp := api.post("/v1/accounts/"+memberID+"/grant", map[string]any{"identity": "alice"}, memberToken)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	body := decode[map[string]any](t, resp)
	if body["changed"] != false {
		t.Fatalf("expected changed=false, got %v", body)
	}

	resp = api.get("/v1/audit", nil, memberToken)
	expectStatus(t, resp, http.StatusOK)
	audits := decode[map[string][]map[string]any](t, resp)
	if len(audits["items"]) != 0 {
		t.Fatalf("unavailable authority must not write audit entries, got %d", len(audits["items"]))
	}
}

func TestAPIMaintenance(t *testing.T) {
	api := newTestAPI(t)
	adminToken, _ := api.obtainToken(adminEmail, adminPassword)
	api.addResource(adminToken, "PUB;alpha", "Alpha")

	resp := api.post("/v1/integrity/validate", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	validated := decode[map[string]any](t, resp)
	if validated["status"] != "success" {
		t.Fatalf("expected clean validation, got %v", validated)
	}

	resp = api.get("/v1/integrity/health", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	health := decode[integrity.HealthReport](t, resp)
	if !health.Healthy() {
		t.Fatalf("expected healthy store, got %+v", health)
	}

	resp = api.post("/v1/backups", map[string]any{"name": "before"}, adminToken)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.get("/v1/backups", nil, adminToken)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]backup.Entry](t, resp)
	if len(list["items"]) != 1 || list["items"][0].Name != "before.json" {
		t.Fatalf("unexpected backups: %+v", list)
	}

	resp = api.post("/v1/backups/restore", map[string]any{"name": "before"}, adminToken)
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = api.post("/v1/backups/restore", map[string]any{"name": "before", "confirmation": backup.Confirmation}, adminToken)
	expectStatus(t, resp, http.StatusOK)
	restored := decode[backup.RestoreResult](t, resp)
	if restored.Resources != 1 || restored.Accounts != 1 {
		t.Fatalf("unexpected restore counts: %+v", restored)
	}

	// The admin account survives the restore, so the token keeps working.
	resp = api.get("/v1/resources", url.Values{"all": []string{"true"}}, adminToken)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/keys", map[string]any{"name": "x", "email": "x@example.com"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp2 := api.get("/v1/resources", nil, "not-a-jwt")
	expectStatus(t, resp2, http.StatusUnauthorized)
	resp2.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"email": ""}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/auth/token", map[string]any{"email": adminEmail, "password": "wrong-password"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
