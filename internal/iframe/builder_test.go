package iframe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/connectframe/internal/connect"
	"github.com/hitoshi/connectframe/internal/metrics"
	"github.com/hitoshi/connectframe/internal/model"
)

// fakeUpstream はパートナーAPIを模したテスト用サーバー。
type fakeUpstream struct {
	server       *httptest.Server
	pagesBody    string
	pagesStatus  int
	loginBody    string
	loginStatus  int
	loginPath    atomic.Value
	loginCalls   int32
	pagesCalls   int32
	impersonated atomic.Value
}

func newFakeUpstream(t *testing.T, pagesBody, loginBody string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		pagesBody:   pagesBody,
		pagesStatus: http.StatusOK,
		loginBody:   loginBody,
		loginStatus: http.StatusOK,
	}
	f.start(t)
	return f
}

// newFakeUpstreamWithStatus はステータスコードを指定してテスト用サーバーを起動する。
func newFakeUpstreamWithStatus(t *testing.T, pagesStatus int, pagesBody string, loginStatus int, loginBody string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		pagesBody:   pagesBody,
		pagesStatus: pagesStatus,
		loginBody:   loginBody,
		loginStatus: loginStatus,
	}
	f.start(t)
	return f
}

func (f *fakeUpstream) start(t *testing.T) {
	t.Helper()
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.impersonated.Store(r.Header.Get("Impersonation"))
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodGet && r.URL.Path == connect.PagesEndpoint {
			atomic.AddInt32(&f.pagesCalls, 1)
			w.WriteHeader(f.pagesStatus)
			w.Write([]byte(f.pagesBody))
			return
		}
		if r.Method == http.MethodPost {
			atomic.AddInt32(&f.loginCalls, 1)
			f.loginPath.Store(r.URL.Path)
			w.WriteHeader(f.loginStatus)
			w.Write([]byte(f.loginBody))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(f.server.Close)
}

func newTestBuilder(t *testing.T, f *fakeUpstream, cfg Config, buf *bytes.Buffer, collector metrics.MetricsCollector) *Builder {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client := connect.NewClient(connect.Config{
		Host:     f.server.URL,
		APIKey:   "ApiKey SU-000:secret",
		TenantID: "TA-0000-0001",
	}, f.server.Client(), logger, collector)
	return NewBuilder(client, cfg, logger, collector)
}

const examplePages = `[{"extension":{"login_uri":"/l","hostname":"h","domain":"d.com"},"url":"/r","label":"L"}]`

func TestBuild_ComposesExactURL(t *testing.T) {
	f := newFakeUpstream(t, examplePages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}

	if desc.URL != "https://h.d.com/l?code=abc&redirect_to=/r" {
		t.Errorf("URL = %q, want %q", desc.URL, "https://h.d.com/l?code=abc&redirect_to=/r")
	}
	if desc.Label != "L" {
		t.Errorf("Label = %q, want %q", desc.Label, "L")
	}
	if desc.Icon != DefaultIconURL {
		t.Errorf("Icon = %q, want fallback %q", desc.Icon, DefaultIconURL)
	}
	if got := f.loginPath.Load(); got != "/l" {
		t.Errorf("ログイン交換先 = %v, want /l", got)
	}
}

func TestBuild_UnderscoredFixture(t *testing.T) {
	pages := `[{"extension":{"login_uri":"/test_login_uri","hostname":"test_host","domain":"test_domain"},"url":"/test_url","label":"test label"}]`
	f := newFakeUpstream(t, pages, `{"code":"test_code"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}

	want := model.IframeDescriptor{
		URL:   "https://test_host.test_domain/test_login_uri?code=test_code&redirect_to=/test_url",
		Label: "test label",
		Icon:  "https://www.iana.org/_img/2022/iana-logo-header.svg",
	}
	if *desc != want {
		t.Errorf("descriptor = %+v, want %+v", *desc, want)
	}
}

func TestBuild_SelectsFirstPage(t *testing.T) {
	pages := `[
		{"extension":{"login_uri":"/first","hostname":"a","domain":"x.com"},"url":"/1","label":"First"},
		{"extension":{"login_uri":"/second","hostname":"b","domain":"y.com"},"url":"/2","label":"Second"}
	]`
	f := newFakeUpstream(t, pages, `{"code":"c"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if desc.Label != "First" {
		t.Errorf("Label = %q, want First", desc.Label)
	}
	if !strings.HasPrefix(desc.URL, "https://a.x.com/first?") {
		t.Errorf("URL = %q, 先頭ページから組み立てられるべき", desc.URL)
	}
}

func TestBuild_DerivedIcon(t *testing.T) {
	pages := `[{"extension":{"login_uri":"/l","hostname":"h","domain":"d.com"},"url":"/r","label":"L","icon":"/static/icon.png"}]`
	f := newFakeUpstream(t, pages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{FallbackIconURL: "https://cdn.example.com/default.svg"}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if desc.Icon != "https://h.d.com/static/icon.png" {
		t.Errorf("Icon = %q, want https://h.d.com/static/icon.png", desc.Icon)
	}
}

func TestBuild_ConfiguredFallbackIcon(t *testing.T) {
	f := newFakeUpstream(t, examplePages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{FallbackIconURL: "https://cdn.example.com/default.svg"}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if desc.Icon != "https://cdn.example.com/default.svg" {
		t.Errorf("Icon = %q, want configured fallback", desc.Icon)
	}
}

func TestBuild_EmptyPages_NoLoginCall(t *testing.T) {
	f := newFakeUpstream(t, `[]`, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if !model.IsKind(err, model.KindEmptyResult) {
		t.Fatalf("EmptyResultError であるべき: got %v", err)
	}
	if desc != nil {
		t.Error("失敗時にディスクリプタを返してはならない")
	}
	if n := atomic.LoadInt32(&f.loginCalls); n != 0 {
		t.Errorf("ログイン交換が %d 回呼ばれた, want 0", n)
	}
	if strings.Count(buf.String(), `"level":"ERROR"`) != 1 {
		t.Errorf("エラーログはちょうど1回記録されるべき: %s", buf.String())
	}
}

func TestBuild_MissingCode(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no code key", `{"token":"abc"}`},
		{"non-string code", `{"code":123}`},
		{"null code", `{"code":null}`},
		{"empty code", `{"code":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeUpstream(t, examplePages, tt.body)
			var buf bytes.Buffer
			b := newTestBuilder(t, f, Config{}, &buf, nil)

			_, err := b.Build(context.Background(), "")
			if !model.IsKind(err, model.KindMissingCode) {
				t.Fatalf("MissingCodeError であるべき: got %v", err)
			}
			if !strings.Contains(buf.String(), "ERROR") {
				t.Errorf("ERRORレベルのログが記録されるべき: %s", buf.String())
			}
		})
	}
}

func TestBuild_UpstreamHTTPErrorPropagates(t *testing.T) {
	f := newFakeUpstreamWithStatus(t, http.StatusInternalServerError, `{"error":"boom"}`, http.StatusOK, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	_, err := b.Build(context.Background(), "")

	var ce *model.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("ConnectError であるべき: got %v", err)
	}
	if ce.Kind != model.KindUpstreamHTTP || ce.StatusCode != http.StatusInternalServerError {
		t.Errorf("Kind = %q, StatusCode = %d, want upstream_http 500", ce.Kind, ce.StatusCode)
	}
	if n := atomic.LoadInt32(&f.loginCalls); n != 0 {
		t.Errorf("ログイン交換が %d 回呼ばれた, want 0", n)
	}
	// ゲートウェイで1回だけ記録され、ビルダーでは再記録しない
	if strings.Count(buf.String(), `"level":"ERROR"`) != 1 {
		t.Errorf("エラーログはちょうど1回記録されるべき: %s", buf.String())
	}
}

func TestBuild_LoginHTTPError(t *testing.T) {
	f := newFakeUpstreamWithStatus(t, http.StatusOK, examplePages, http.StatusForbidden, `{"error":"forbidden"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	_, err := b.Build(context.Background(), "")
	if !model.IsKind(err, model.KindUpstreamHTTP) {
		t.Fatalf("UpstreamHTTPError であるべき: got %v", err)
	}
}

func TestBuild_PagesNotArray(t *testing.T) {
	f := newFakeUpstream(t, `{"label":"not a list"}`, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	_, err := b.Build(context.Background(), "")
	if !model.IsKind(err, model.KindUpstreamDecode) {
		t.Fatalf("UpstreamDecodeError であるべき: got %v", err)
	}
}

func TestBuild_TenantOverride(t *testing.T) {
	f := newFakeUpstream(t, examplePages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	if _, err := b.Build(context.Background(), "TA-9999-8888"); err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if got := f.impersonated.Load(); got != "TA-9999-8888" {
		t.Errorf("Impersonation = %v, want TA-9999-8888", got)
	}

	if _, err := b.Build(context.Background(), ""); err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if got := f.impersonated.Load(); got != "TA-0000-0001" {
		t.Errorf("Impersonation = %v, want default TA-0000-0001", got)
	}
}

func TestBuild_ExtensionMode_ExplicitID(t *testing.T) {
	pages := `[{"extension":{"id":"EXT-111-222","login_uri":"/login/EXT-333-444","hostname":"h","domain":"d.com"},"url":"/r","label":"L"}]`
	f := newFakeUpstream(t, pages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{LoginMode: LoginModeExtension}, &buf, nil)

	desc, err := b.Build(context.Background(), "")
	if err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if got := f.loginPath.Load(); got != "/public/v1/devops/extensions/EXT-111-222/login" {
		t.Errorf("ログイン交換先 = %v, 明示的なIDを優先すべき", got)
	}
	// ディスクリプタのURLは常にlogin_uriから組み立てる
	if desc.URL != "https://h.d.com/login/EXT-333-444?code=abc&redirect_to=/r" {
		t.Errorf("URL = %q", desc.URL)
	}
}

func TestBuild_ExtensionMode_IDFromLoginURI(t *testing.T) {
	pages := `[{"extension":{"login_uri":"/login/EXT-333-444?x=1","hostname":"h","domain":"d.com"},"url":"/r","label":"L"}]`
	f := newFakeUpstream(t, pages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{LoginMode: LoginModeExtension}, &buf, nil)

	if _, err := b.Build(context.Background(), ""); err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	if got := f.loginPath.Load(); got != "/public/v1/devops/extensions/EXT-333-444/login" {
		t.Errorf("ログイン交換先 = %v", got)
	}
}

func TestBuild_ExtensionMode_IdentifierNotFound(t *testing.T) {
	f := newFakeUpstream(t, examplePages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{LoginMode: LoginModeExtension}, &buf, nil)

	_, err := b.Build(context.Background(), "")
	if !model.IsKind(err, model.KindIdentifierNotFound) {
		t.Fatalf("IdentifierNotFoundError であるべき: got %v", err)
	}
	if n := atomic.LoadInt32(&f.loginCalls); n != 0 {
		t.Errorf("ログイン交換が %d 回呼ばれた, want 0", n)
	}
}

func TestBuild_InvalidHost(t *testing.T) {
	pages := `[{"extension":{"login_uri":"/l","hostname":"127.0.0","domain":"1"},"url":"/r","label":"L"}]`
	f := newFakeUpstream(t, pages, `{"code":"abc"}`)
	var buf bytes.Buffer
	b := newTestBuilder(t, f, Config{}, &buf, nil)

	_, err := b.Build(context.Background(), "")
	if !model.IsKind(err, model.KindInvalidDescriptor) {
		t.Fatalf("InvalidDescriptorError であるべき: got %v", err)
	}
}

func TestBuild_MissingHostOrDomain(t *testing.T) {
	tests := []struct {
		name  string
		pages string
	}{
		{"no hostname and domain", `[{"extension":{"login_uri":"/l"},"url":"/r","label":"L"}]`},
		{"no hostname", `[{"extension":{"login_uri":"/l","domain":"d.com"},"url":"/r","label":"L"}]`},
		{"no domain", `[{"extension":{"login_uri":"/l","hostname":"h"},"url":"/r","label":"L"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeUpstream(t, tt.pages, `{"code":"abc"}`)
			var buf bytes.Buffer
			b := newTestBuilder(t, f, Config{}, &buf, nil)

			desc, err := b.Build(context.Background(), "")
			if !model.IsKind(err, model.KindInvalidDescriptor) {
				t.Fatalf("InvalidDescriptorError であるべき: desc = %+v, err = %v", desc, err)
			}
			if desc != nil {
				t.Errorf("失敗時にディスクリプタを返すべきではない: %+v", desc)
			}
		})
	}
}

func TestBuild_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	var buf bytes.Buffer

	ok := newTestBuilder(t, newFakeUpstream(t, examplePages, `{"code":"abc"}`), Config{}, &buf, collector)
	if _, err := ok.Build(context.Background(), ""); err != nil {
		t.Fatalf("Build がエラーを返した: %v", err)
	}
	empty := newTestBuilder(t, newFakeUpstream(t, `[]`, `{"code":"abc"}`), Config{}, &buf, collector)
	if _, err := empty.Build(context.Background(), ""); err == nil {
		t.Fatal("空のページ一覧でエラーが返されるべき")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var built, emptyFailures float64
	for _, mf := range families {
		switch mf.GetName() {
		case "connectframe_descriptors_built_total":
			built = mf.GetMetric()[0].GetCounter().GetValue()
		case "connectframe_build_failures_total":
			for _, m := range mf.GetMetric() {
				if m.GetLabel()[0].GetValue() == string(model.KindEmptyResult) {
					emptyFailures = m.GetCounter().GetValue()
				}
			}
		}
	}
	if built != 1 {
		t.Errorf("descriptors_built_total = %v, want 1", built)
	}
	if emptyFailures != 1 {
		t.Errorf("build_failures_total{empty_result} = %v, want 1", emptyFailures)
	}
}

func TestParseLoginMode(t *testing.T) {
	tests := []struct {
		in      string
		want    LoginMode
		wantErr bool
	}{
		{"", LoginModeURI, false},
		{"uri", LoginModeURI, false},
		{"extension", LoginModeExtension, false},
		{"collection", "", true},
	}

	for _, tt := range tests {
		got, err := ParseLoginMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLoginMode(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLoginMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
