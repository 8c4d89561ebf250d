package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/filegate/internal/config"
	"github.com/nao1215/filegate/internal/identity"
	"github.com/nao1215/filegate/internal/publisher"
	"github.com/nao1215/filegate/internal/store"
	"github.com/nao1215/filegate/internal/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// fakeProducer は送信されたメッセージを記録するProducer。
type fakeProducer struct {
	mu       sync.Mutex
	messages []publisher.Message
}

// Publish はpublisher.Producerを実装する。
func (f *fakeProducer) Publish(_ context.Context, msg publisher.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

// Close はpublisher.Producerを実装する。
func (f *fakeProducer) Close() error { return nil }

// sent は送信されたメッセージを返す。
func (f *fakeProducer) sent() []publisher.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publisher.Message(nil), f.messages...)
}

// recordedRequest はモックバックエンドが受け取ったリクエスト。
type recordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// backend はリクエストを記録するモックバックエンド。
type backend struct {
	server   *httptest.Server
	calls    atomic.Int64
	mu       sync.Mutex
	requests []recordedRequest
}

// newBackend はhandlerで応答するモックバックエンドを起動する。
func newBackend(t *testing.T, handler http.HandlerFunc) *backend {
	t.Helper()

	b := &backend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.calls.Add(1)
		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
		})
		b.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		handler(w, r)
	}))
	t.Cleanup(b.server.Close)
	return b
}

// last は最後に受け取ったリクエストを返す。
func (b *backend) last(t *testing.T) recordedRequest {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		t.Fatal("バックエンドがリクエストを受け取っていない")
	}
	return b.requests[len(b.requests)-1]
}

// jsonHandler は固定のJSONを返すハンドラを返す。
func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// sleepRecorder は待機せずに要求された遅延を記録するSleepFunc。
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// sleep はSleepFuncを実装する。
func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// recorded は記録した遅延を返す。
func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// testOptions はテスト用ゲートウェイの構成。
type testOptions struct {
	// auth は認証サービスの応答。nilの場合は200の空JSONを返す。
	auth http.HandlerFunc
	// files はファイルサービスの応答。nilの場合は200の空JSONを返す。
	files http.HandlerFunc
	// env は上書きする環境変数。
	env map[string]string
	// store は共有ストア。nilの場合はminiredisを使う。
	store store.Store
	// sleep はスロットリングの待機関数。nilの場合は記録のみ行う。
	sleep SleepFunc
}

// testGateway はテスト用に組み立てたゲートウェイと周辺のモック。
type testGateway struct {
	server   *Server
	redis    *miniredis.Miniredis
	producer *fakeProducer
	auth     *backend
	files    *backend
	sleeps   *sleepRecorder
}

// newTestGateway はモックバックエンドとminiredisに接続したゲートウェイを生成する。
func newTestGateway(t *testing.T, opts testOptions) *testGateway {
	t.Helper()

	if opts.auth == nil {
		opts.auth = jsonHandler(http.StatusOK, `{}`)
	}
	if opts.files == nil {
		opts.files = jsonHandler(http.StatusOK, `{}`)
	}

	g := &testGateway{
		producer: &fakeProducer{},
		auth:     newBackend(t, opts.auth),
		files:    newBackend(t, opts.files),
		sleeps:   &sleepRecorder{},
	}

	st := opts.store
	if st == nil {
		var redisStore *store.Redis
		redisStore, g.redis = storetest.New(t)
		st = redisStore
	}

	env := map[string]string{
		"AUTH_SERVICE_URL": g.auth.server.URL,
		"FILE_SERVICE_URL": g.files.server.URL,
		"JWT_SECRET":       testJWTSecret,
		"KAFKA_BROKERS":    "localhost:9092",
	}
	for k, v := range opts.env {
		env[k] = v
	}
	cfg, err := config.LoadFrom(func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("設定の読み込みに失敗: %v", err)
	}

	sleep := opts.sleep
	if sleep == nil {
		sleep = g.sleeps.sleep
	}

	s, err := New(cfg, Dependencies{
		Store:    st,
		Producer: g.producer,
		Logger:   zerolog.Nop(),
		Sleep:    sleep,
	})
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	g.server = s
	return g
}

// do はゲートウェイにリクエストを送り、レスポンスを返す。
func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(w, req)
	return w
}

// events はキューに残ったイベントを送信し終えてから、送信されたメッセージを返す。
func (g *testGateway) events(t *testing.T) []publisher.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Close(ctx); err != nil {
		t.Fatalf("Close()でエラーが発生: %v", err)
	}
	return g.producer.sent()
}

// signToken はテスト用のトークンを生成する。
func signToken(t *testing.T, subject, email string) string {
	t.Helper()

	token, err := identity.Sign(testJWTSecret, identity.Identity{Subject: subject, Email: email, Username: "tester"}, time.Hour)
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// authorized はBearerトークン付きのリクエストを生成する。
func authorized(t *testing.T, method, target string, body io.Reader, token string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// decodeError はエラーレスポンスをデコードする。
func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v (body=%s)", err, w.Body.String())
	}
	return resp
}

// TestNew はサーバーの生成を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("不正な信頼プロキシはエラーになること", func(t *testing.T) {
		t.Parallel()

		st, _ := storetest.New(t)
		cfg, err := config.LoadFrom(func(string) string { return "" })
		if err != nil {
			t.Fatalf("設定の読み込みに失敗: %v", err)
		}
		cfg.TrustedProxies = []string{"not-a-cidr"}

		if _, err := New(cfg, Dependencies{Store: st, Producer: &fakeProducer{}, Logger: zerolog.Nop()}); err == nil {
			t.Error("エラーが発生しなかった")
		}
	})
}

// TestHealthCheck はヘルスチェックエンドポイントを検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	t.Run("ストアに接続できる場合はokを返すこと", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, testOptions{})
		w := g.do(httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		resp := decodeError(t, w)
		if resp["status"] != "ok" {
			t.Errorf("status = %q, want %q", resp["status"], "ok")
		}
		if resp["service"] != "gateway" {
			t.Errorf("service = %q, want %q", resp["service"], "gateway")
		}
		if resp["redis"] != "connected" {
			t.Errorf("redis = %q, want %q", resp["redis"], "connected")
		}
	})

	t.Run("ストア停止中はdegradedを返し、リクエストの処理は続けること", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, testOptions{
			store: storetest.Unreachable(t),
			files: jsonHandler(http.StatusOK, `{"files":[]}`),
		})

		w := g.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		resp := decodeError(t, w)
		if resp["status"] != "degraded" {
			t.Errorf("status = %q, want %q", resp["status"], "degraded")
		}
		if resp["redis"] != "disconnected" {
			t.Errorf("redis = %q, want %q", resp["redis"], "disconnected")
		}

		token := signToken(t, "user-1", "a@example.com")
		w = g.do(authorized(t, http.MethodGet, "/api/files", nil, token))
		if w.Code != http.StatusOK {
			t.Fatalf("ストア停止中のリクエストのステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		if got := w.Header().Get("X-Cache"); got != "MISS" {
			t.Errorf("X-Cache = %q, want %q", got, "MISS")
		}
		if g.files.calls.Load() != 1 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 1", g.files.calls.Load())
		}
	})
}

// TestMetricsEndpoint はメトリクスエンドポイントを検証する。
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, testOptions{})
	g.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@example.com"}`)))

	w := g.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	for _, name := range []string{"filegate_requests_total", "filegate_ratelimit_decisions_total", "filegate_upstream_duration_seconds"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("メトリクスに%sが含まれていない", name)
		}
	}
}

// TestNoRoute は未定義のルートを検証する。
func TestNoRoute(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, testOptions{})

	for _, target := range []string{"/api/unknown", "/api/filesx", "/"} {
		w := g.do(httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: ステータスコード = %d, want %d", target, w.Code, http.StatusNotFound)
			continue
		}
		if resp := decodeError(t, w); resp["code"] != "not_found" {
			t.Errorf("%s: code = %q, want %q", target, resp["code"], "not_found")
		}
	}
	if g.auth.calls.Load()+g.files.calls.Load() != 0 {
		t.Error("未定義のルートがバックエンドに転送された")
	}
}

// TestCORS はCORSヘッダーが設定されることを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, testOptions{env: map[string]string{"FRONTEND_URL": "http://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/files", nil)
	req.Header.Set("Origin", "http://app.example.com")
	w := g.do(req)

	if w.Code != http.StatusNoContent {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://app.example.com")
	}
	if g.files.calls.Load() != 0 {
		t.Error("プリフライトリクエストがバックエンドに転送された")
	}
}

// TestWriteTimeout は書き込みタイムアウトの算出を検証する。
func TestWriteTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
		want time.Duration
	}{
		{
			name: "遅延の上限が無い場合はソフト上限からハード上限までの遅延を含むこと",
			env: map[string]string{
				"RATE_LIMIT_MAX":   "10",
				"SLOW_DOWN_AFTER":  "5",
				"SLOW_DOWN_DELAY":  "1s",
				"UPSTREAM_TIMEOUT": "3s",
			},
			want: 5*time.Second + 3*time.Second + 10*time.Second,
		},
		{
			name: "遅延の上限がある場合は上限が使われること",
			env: map[string]string{
				"RATE_LIMIT_MAX":      "10",
				"SLOW_DOWN_AFTER":     "5",
				"SLOW_DOWN_DELAY":     "1s",
				"SLOW_DOWN_MAX_DELAY": "2s",
				"UPSTREAM_TIMEOUT":    "3s",
			},
			want: 2*time.Second + 3*time.Second + 10*time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGateway(t, testOptions{env: tt.env})
			if got := g.server.writeTimeout(); got != tt.want {
				t.Errorf("writeTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestRun はサーバーの起動と停止を検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("ctxの終了でシャットダウンし、キューのイベントを送信し終えること", func(t *testing.T) {
		t.Parallel()

		g := newTestGateway(t, testOptions{env: map[string]string{"PORT": "0"}})
		g.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@example.com"}`)))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- g.server.Run(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run()でエラーが発生: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run()が終了しなかった")
		}

		if got := len(g.producer.sent()); got != 1 {
			t.Errorf("送信されたイベント数 = %d, want 1", got)
		}
	})
}
