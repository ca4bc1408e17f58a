package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"thefolder.dev/internal/auth"
	"thefolder.dev/internal/chat"
	"thefolder.dev/internal/orchestrator"
	"thefolder.dev/internal/provider"
	"thefolder.dev/internal/usage"
)

const testJWTSecret = "test-secret"

type stubProvider struct {
	text   string
	deltas []string
	usage  provider.Usage
	calls  atomic.Int64
}

func (p *stubProvider) Generate(context.Context, provider.Request) (provider.Result, error) {
	p.calls.Add(1)
	return provider.Result{Text: p.text, FinishReason: "stop", Usage: p.usage}, nil
}

func (p *stubProvider) Stream(ctx context.Context, _ provider.Request) (<-chan provider.Event, error) {
	p.calls.Add(1)
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, d := range p.deltas {
			select {
			case ch <- provider.Event{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		u := p.usage
		select {
		case ch <- provider.Event{FinishReason: "stop", Usage: &u}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type apiClient struct {
	baseURL  string
	client   *http.Client
	t        *testing.T
	userID   string
	apiKey   string
	store    *auth.InMemory
	quota    *usage.InMemory
	provider *stubProvider
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	ctx := context.Background()

	store := auth.NewInMemory()
	user := &auth.Identity{Email: "dev@example.com", Active: true, SubscriptionTier: "free", MonthlyUsageLimit: 1000}
	if err := store.Identities(ctx).Create(ctx, user); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	jwtProvider, err := auth.NewJWTProvider(testJWTSecret)
	if err != nil {
		t.Fatalf("jwt provider: %v", err)
	}
	svc, err := auth.NewService(store, auth.WithIdentityProvider(jwtProvider))
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	issued, err := svc.IssueAPIKey(ctx, user.ID, "test")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}

	quota := usage.NewInMemory()
	quota.SetLimit(user.ID, user.MonthlyUsageLimit)
	ledger := usage.NewLedger(quota)
	repo := chat.NewInMemory()
	stub := &stubProvider{
		text:   "Paris",
		deltas: []string{"Hel", "lo"},
		usage:  provider.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
	}
	orch, err := orchestrator.New(ledger, repo, stub)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	api, err := New(Deps{Auth: svc, Orchestrator: orch, Ledger: ledger, Chat: repo}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		userID:   user.ID,
		apiKey:   issued.Secret,
		store:    store,
		quota:    quota,
		provider: stub,
	}
}

func (c *apiClient) keyHeader() map[string]string {
	return map[string]string{apiKeyHeader: c.apiKey}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			if err != nil {
				c.t.Fatalf("marshal body: %v", err)
			}
			raw = string(b)
		}
		payload = strings.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, headers)
}

type response[T any] struct {
	Success   bool       `json:"success"`
	Data      T          `json:"data"`
	Error     *errorBody `json:"error"`
	RequestID string     `json:"request_id"`
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

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

var franceQuestion = map[string]any{
	"messages": []map[string]string{{"role": "user", "content": "What is the capital of France?"}},
}

func TestRootAndHealth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/", nil)
	expectStatus(t, resp, http.StatusOK)
	root := decode[response[map[string]any]](t, resp)
	if root.Data["message"] != "thefolder-api is running" {
		t.Fatalf("unexpected root payload: %+v", root)
	}

	resp = api.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	if health := decode[map[string]any](t, resp); health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = api.get("/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/nope", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/completions", franceQuestion, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[response[any]](t, resp)
	if body.Success || body.Error == nil || body.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if body.RequestID == "" {
		t.Fatal("expected request_id")
	}

	resp = api.post("/completions", franceQuestion, map[string]string{apiKeyHeader: "sk-unknown"})
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[response[any]](t, resp); body.Error.Message != "invalid API key" {
		t.Fatalf("unexpected message: %+v", body.Error)
	}
}

func TestUnauthorizedCredentialsHaveNoSideEffects(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	expiredSecret, expiredHash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := api.store.APIKeys(ctx).Create(ctx, &auth.APIKey{
		UserID: api.userID, KeyHash: expiredHash, Name: "old", Active: true, ExpiresAt: &past, RateLimitPerMinute: 20,
	}); err != nil {
		t.Fatalf("create expired key: %v", err)
	}

	disabled := &auth.Identity{Email: "gone@example.com", Active: false, MonthlyUsageLimit: 1000}
	if err := api.store.Identities(ctx).Create(ctx, disabled); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	api.quota.SetLimit(disabled.ID, disabled.MonthlyUsageLimit)
	disabledSecret, disabledHash, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := api.store.APIKeys(ctx).Create(ctx, &auth.APIKey{
		UserID: disabled.ID, KeyHash: disabledHash, Name: "disabled", Active: true, RateLimitPerMinute: 20,
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	forged, err := auth.SignTestToken("other-secret", api.userID, "", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	unknownSubject, err := auth.SignTestToken(testJWTSecret, "no-such-user", "", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cases := []struct {
		name    string
		headers map[string]string
	}{
		{"missing", nil},
		{"unknown key", map[string]string{apiKeyHeader: "sk-unknown"}},
		{"expired key", map[string]string{apiKeyHeader: expiredSecret}},
		{"inactive account", map[string]string{apiKeyHeader: disabledSecret}},
		{"forged bearer", map[string]string{authHeader: "Bearer " + forged}},
		{"unknown subject", map[string]string{authHeader: "Bearer " + unknownSubject}},
		{"malformed bearer", map[string]string{authHeader: "Bearer not-a-jwt"}},
	}
	for _, tc := range cases {
		for _, path := range []string{"/completions", "/chat/stream"} {
			resp := api.post(path, franceQuestion, tc.headers)
			expectStatus(t, resp, http.StatusUnauthorized)
			resp.Body.Close()
		}
		if n := api.provider.calls.Load(); n != 0 {
			t.Fatalf("%s: provider called %d times", tc.name, n)
		}
	}

	period := usage.Period(time.Now())
	for _, id := range []string{api.userID, disabled.ID} {
		bal, err := api.quota.Balance(ctx, id, period)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if bal.Used != 0 {
			t.Fatalf("usage recorded for %s: %d", id, bal.Used)
		}
	}
}

func TestAPIKeyWinsOverBearer(t *testing.T) {
	api := newTestAPI(t)
	token, err := auth.SignTestToken(testJWTSecret, api.userID, "", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := api.get("/users/profile", map[string]string{authHeader: "Bearer " + token})
	expectStatus(t, resp, http.StatusOK)
	profile := decode[response[map[string]any]](t, resp)
	if profile.Data["id"] != api.userID {
		t.Fatalf("unexpected profile: %+v", profile.Data)
	}

	resp = api.get("/users/profile", map[string]string{authHeader: "Bearer " + token, apiKeyHeader: "sk-bad"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestCompletionCommitsUsage(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/chat/completion", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	body := decode[response[orchestrator.Completion]](t, resp)
	if !body.Success || !strings.HasPrefix(body.Data.ID, "chatcmpl-") || body.Data.Object != "chat.completion" {
		t.Fatalf("unexpected completion envelope: %+v", body.Data)
	}
	if len(body.Data.Choices) != 1 || body.Data.Choices[0].Message.Content != "Paris" {
		t.Fatalf("unexpected choices: %+v", body.Data.Choices)
	}
	if !body.Data.UsageRecorded || body.Data.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", body.Data)
	}

	resp = api.get("/users/usage", api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	stats := decode[response[usageResponse]](t, resp)
	if stats.Data.CurrentUsage != 12 || stats.Data.UsageLimit != 1000 || stats.Data.UsagePercentage != 1 {
		t.Fatalf("unexpected usage stats: %+v", stats.Data)
	}
	if stats.Data.SubscriptionTier != "free" {
		t.Fatalf("unexpected tier: %q", stats.Data.SubscriptionTier)
	}
}

func TestCompletionQuotaExceeded(t *testing.T) {
	api := newTestAPI(t)
	api.quota.SetLimit(api.userID, 1)

	resp := api.post("/completions", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusForbidden)
	body := decode[response[any]](t, resp)
	if body.Error == nil || body.Error.Code != "quota_exceeded" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCompletionValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/completions", map[string]any{"messages": []any{}}, api.keyHeader())
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/completions", `{"messages":[{"role":"user","content":"x"}],"bogus":1}`, api.keyHeader())
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[response[any]](t, resp); body.Error.Code != "invalid_input" {
		t.Fatalf("unexpected code: %+v", body.Error)
	}
}

func TestStreamWritesSSE(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/chat/stream", franceQuestion, api.keyHeader())
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	first := strings.Index(body, `data: {"delta":"Hel"}`)
	second := strings.Index(body, `data: {"delta":"lo"}`)
	done := strings.Index(body, "event: done")
	if first < 0 || second < first || done < second {
		t.Fatalf("unexpected stream body:\n%s", body)
	}
}

func TestStreamQuotaFailureIsJSON(t *testing.T) {
	api := newTestAPI(t)
	api.quota.SetLimit(api.userID, 0)

	resp := api.post("/chat/stream", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusForbidden)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected JSON error, got %q", ct)
	}
	resp.Body.Close()
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t)
	h := api.keyHeader()

	resp := api.post("/chat/sessions", map[string]any{"title": "Geography", "systemPrompt": "Be brief."}, h)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[response[chat.Session]](t, resp)
	id := created.Data.ID
	if id == "" || created.Data.Model != "gpt-4o" {
		t.Fatalf("unexpected session: %+v", created.Data)
	}

	resp = api.post("/chat/sessions/"+id+"/messages", map[string]any{"message": "What is the capital of France?"}, h)
	expectStatus(t, resp, http.StatusOK)
	ex := decode[response[orchestrator.Exchange]](t, resp)
	if ex.Data.AssistantMessage == nil || ex.Data.AssistantMessage.Content != "Paris" {
		t.Fatalf("unexpected exchange: %+v", ex.Data)
	}

	resp = api.get("/chat/sessions/"+id, h)
	expectStatus(t, resp, http.StatusOK)
	view := decode[response[orchestrator.SessionView]](t, resp)
	if len(view.Data.Messages) != 2 || view.Data.Messages[0].Role != chat.RoleUser {
		t.Fatalf("unexpected history: %+v", view.Data.Messages)
	}

	resp = api.do(http.MethodPut, "/chat/sessions/"+id+"/title", map[string]any{"title": "Capitals"}, h)
	expectStatus(t, resp, http.StatusOK)
	if renamed := decode[response[chat.Session]](t, resp); renamed.Data.Title != "Capitals" {
		t.Fatalf("unexpected rename: %+v", renamed.Data)
	}

	resp = api.get("/chat/sessions", h)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[response[[]chat.Session]](t, resp); len(list.Data) != 1 {
		t.Fatalf("unexpected list: %+v", list.Data)
	}

	resp = api.do(http.MethodDelete, "/chat/sessions/"+id, nil, h)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/chat/sessions/"+id, h)
	expectStatus(t, resp, http.StatusNotFound)
	if body := decode[response[any]](t, resp); body.Error.Code != "not_found" {
		t.Fatalf("unexpected code: %+v", body.Error)
	}
}

func TestSendMessageAcceptsSessionIDInBody(t *testing.T) {
	api := newTestAPI(t)
	h := api.keyHeader()

	resp := api.post("/chat/sessions", map[string]any{"title": "Trip planning"}, h)
	expectStatus(t, resp, http.StatusCreated)
	id := decode[response[chat.Session]](t, resp).Data.ID

	resp = api.post("/chat/sessions/"+id+"/messages", map[string]any{"sessionId": id, "message": "hi"}, h)
	expectStatus(t, resp, http.StatusOK)
	if ex := decode[response[orchestrator.Exchange]](t, resp); ex.Data.AssistantMessage == nil {
		t.Fatalf("expected assistant reply: %+v", ex.Data)
	}

	resp = api.post("/chat/sessions/"+id+"/messages", map[string]any{"sessionId": "other", "message": "hi"}, h)
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[response[any]](t, resp); body.Error.Code != "invalid_input" {
		t.Fatalf("unexpected error: %+v", body.Error)
	}
	if n := api.provider.calls.Load(); n != 1 {
		t.Fatalf("expected one provider call, got %d", n)
	}
}

func TestListSessionsLimit(t *testing.T) {
	api := newTestAPI(t)
	h := api.keyHeader()
	for _, title := range []string{"one", "two", "three"} {
		resp := api.post("/chat/sessions", map[string]any{"title": title}, h)
		expectStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}

	resp := api.get("/chat/sessions?limit=2", h)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[response[[]chat.Session]](t, resp); len(list.Data) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Data))
	}

	for _, bad := range []string{"0", "abc", "51"} {
		resp = api.get("/chat/sessions?limit="+bad, h)
		expectStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/users/api-keys", map[string]any{"name": "ci"}, api.keyHeader())
	expectStatus(t, resp, http.StatusCreated)
	issued := decode[response[auth.IssuedKey]](t, resp)
	if !strings.HasPrefix(issued.Data.Secret, "sk-") || len(issued.Data.Secret) != 67 {
		t.Fatalf("unexpected secret %q", issued.Data.Secret)
	}
	fresh := map[string]string{apiKeyHeader: issued.Data.Secret}

	resp = api.get("/users/api-keys", fresh)
	expectStatus(t, resp, http.StatusOK)
	list := decode[response[[]map[string]any]](t, resp)
	if len(list.Data) != 2 {
		t.Fatalf("expected two keys, got %d", len(list.Data))
	}
	for _, k := range list.Data {
		if _, leaked := k["key_hash"]; leaked {
			t.Fatal("key hash must not be exposed")
		}
	}

	resp = api.do(http.MethodDelete, "/users/api-keys/"+issued.Data.Key.ID, nil, api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/users/profile", fresh)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/users/api-keys/"+issued.Data.Key.ID, nil, api.keyHeader())
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.post("/users/api-keys", map[string]any{"name": ""}, api.keyHeader())
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRouteThrottle(t *testing.T) {
	api := newTestAPI(t, WithRouteLimits(RouteLimits{Completion: 1}))

	resp := api.post("/completions", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/completions", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	resp.Body.Close()

	resp = api.get("/users/profile", api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestBasePath(t *testing.T) {
	api := newTestAPI(t, WithBasePath("/api/v1"))

	resp := api.post("/api/v1/completions", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/completions", franceQuestion, api.keyHeader())
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
