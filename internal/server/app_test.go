package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	pb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/linkguard/internal/api"
	"github.com/JakeFAU/linkguard/internal/config"
	"github.com/JakeFAU/linkguard/internal/linkcheck"
	memorypublisher "github.com/JakeFAU/linkguard/internal/publisher/memory"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Notify.Backend = backend
	cfg.Delivery.BatchDelaySeconds = 0
	cfg.Monitor.InitialDelaySeconds = 0
	cfg.Probe.TimeoutSeconds = 2
	return &cfg
}

func buildApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry())}, opts...)
	app, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func newTarget(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>hello</html>"))
	})
	mux.HandleFunc("/casino", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>Play CASINO games</html>"))
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://slot888.example/x", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildServesCheckThroughEngine(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	app := buildApp(t, testConfig(t, config.BackendMemory))

	body := fmt.Sprintf(`{"urls":[%q,%q,%q]}`, target.URL+"/ok", target.URL+"/casino", target.URL+"/moved")
	req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	require.Equal(t, linkcheck.OutcomeOK, resp.Results[0].Outcome)
	require.Equal(t, linkcheck.OutcomeGuard, resp.Results[1].Outcome)
	require.Equal(t, linkcheck.OutcomeGuard, resp.Results[2].Outcome)
	require.Contains(t, resp.Results[2].Note, "redirect suspicious")

	again := app.Dispatcher().Check(context.Background(), target.URL+"/ok")
	require.Equal(t, resp.Results[0], again)
}

func TestBuildRunsCycleToMemorySink(t *testing.T) {
	t.Parallel()

	target := newTarget(t)
	app := buildApp(t, testConfig(t, config.BackendMemory))

	_, err := app.Store().Subscribe("ops")
	require.NoError(t, err)
	_, err = app.Store().Watch("ops", target.URL+"/ok", target.URL+"/casino")
	require.NoError(t, err)

	report, err := app.Reporter().RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Equal(t, 1, report.Flagged)
	require.True(t, report.OKListSent)

	sink, ok := app.Sink().(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := sink.For("ops")
	require.Len(t, msgs, 3)
	require.True(t, msgs[0].Header)
	require.Contains(t, msgs[1].Text, "[GUARD]")
	require.Contains(t, msgs[2].Text, "[OK]")
}

func TestBuildPubSubBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	admin, err := pubsub.NewClient(ctx, "linkguard", option.WithGRPCConn(conn))
	require.NoError(t, err)
	const topic = "projects/linkguard/topics/alerts"
	_, err = admin.TopicAdminClient.CreateTopic(ctx, &pb.Topic{Name: topic})
	require.NoError(t, err)

	cfg := testConfig(t, config.BackendPubSub)
	cfg.Notify.PubSubProjectID = "linkguard"
	cfg.Notify.PubSubTopic = topic
	app := buildApp(t, cfg, WithPubSubOptions(option.WithGRPCConn(conn)))

	require.NoError(t, app.Sink().Deliver(ctx, "ops", "summary", true))
	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ops", msgs[0].Attributes["destination"])
}

func TestBuildWebhookBackend(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got <- fmt.Sprint(payload["destination"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := testConfig(t, config.BackendWebhook)
	cfg.Notify.WebhookURL = hook.URL
	app := buildApp(t, cfg)

	require.NoError(t, app.Sink().Deliver(context.Background(), "ops", "summary", true))
	require.Equal(t, "ops", <-got)
}

func TestBuildRejectsBadMatchPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendLog)
	cfg.Guard.MatchPolicy = "sideways"
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "match policy"))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendLog)
	cfg.Server.Addr = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Monitor.InitialDelaySeconds = 3600
	app := buildApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", cfg.ListenAddr()))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.False(t, app.Reporter().Running())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}
