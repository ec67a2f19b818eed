package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"morsel/internal/adapter/gateway"
	"morsel/internal/adapter/pubsub"
	"morsel/internal/domain"
	"morsel/internal/infra/config"
	"morsel/internal/infra/logger"
	"morsel/internal/usecase/pipeline"
	"morsel/pkg/client"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.Heartbeat.Schedule = ""
	cfg.Pipeline.Stages = []string{"send:gzip", "base64", "receive:gzip"}
	return cfg
}

// startApp serves a wired app on an httptest server and returns its hub URL.
func startApp(t *testing.T, cfg *config.Config, ps domain.PubSub) (*app, string) {
	t.Helper()
	reg := prometheus.NewRegistry()
	a, err := newApp(context.Background(), cfg, appDeps{Logger: logger.Discard(), Registerer: reg, PubSub: ps})
	require.NoError(t, err)
	ts := httptest.NewServer(a.server.Handler())
	t.Cleanup(func() {
		a.dispatcher.CloseAll("test done")
		ts.Close()
		a.Close()
	})
	return a, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Gateway.Path
}

type chatClient struct {
	*client.Client
	inbox chan ChatMessage
}

func dialChat(t *testing.T, url string, cfg *config.Config) *chatClient {
	t.Helper()
	pipe := mustPipeline(t, cfg)
	c, err := client.Dial(context.Background(), url, client.WithLogger(logger.Discard()), client.WithPipeline(pipe))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	cc := &chatClient{Client: c, inbox: make(chan ChatMessage, 16)}
	require.NoError(t, c.On(receiveMethod, func(_ context.Context, args []json.RawMessage) (any, error) {
		var m ChatMessage
		if err := json.Unmarshal(args[0], &m); err != nil {
			return nil, err
		}
		cc.inbox <- m
		return nil, nil
	}))
	return cc
}

func (c *chatClient) next(t *testing.T) ChatMessage {
	t.Helper()
	select {
	case m := <-c.inbox:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no chat message")
		return ChatMessage{}
	}
}

func (c *chatClient) quiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.inbox:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChatAcrossProcesses(t *testing.T) {
	cfg := testConfig()
	cfg.Backplane.Kind = "memory"
	ps := pubsub.NewMemory(logger.Discard())
	t.Cleanup(func() { _ = ps.Close() })

	a1, url1 := startApp(t, cfg, ps)
	a2, url2 := startApp(t, cfg, ps)
	require.NotEqual(t, a1.origin, a2.origin)

	alice := dialChat(t, url1, cfg)
	bob := dialChat(t, url2, cfg)
	carol := dialChat(t, url2, cfg)
	ctx := context.Background()

	_, err := alice.Invoke(ctx, "JoinGroup", "ops")
	require.NoError(t, err)
	_, err = bob.Invoke(ctx, "JoinGroup", "ops")
	require.NoError(t, err)

	_, err = alice.Invoke(ctx, "SendToGroup", "ops", "deploy done")
	require.NoError(t, err)

	for _, c := range []*chatClient{alice, bob} {
		m := c.next(t)
		assert.Equal(t, ChatMessage{From: alice.ID(), Group: "ops", Text: "deploy done"}, m)
	}
	carol.quiet(t)

	_, err = carol.Invoke(ctx, "SendTo", alice.ID(), "psst")
	require.NoError(t, err)
	assert.Equal(t, "psst", alice.next(t).Text)

	_, err = bob.Invoke(ctx, "Broadcast", "hello all")
	require.NoError(t, err)
	for _, c := range []*chatClient{alice, bob, carol} {
		assert.Equal(t, "hello all", c.next(t).Text)
	}
}

func TestChatLocalBackplane(t *testing.T) {
	cfg := testConfig()
	a, url := startApp(t, cfg, nil)
	c := dialChat(t, url, cfg)
	ctx := context.Background()

	echo, err := client.InvokeAs[string](ctx, c.Client, "Echo", "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", echo)

	who, err := client.InvokeAs[Identity](ctx, c.Client, "WhoAmI")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), who.ConnectionID)
	assert.Equal(t, "anonymous", who.Principal)

	_, err = c.Invoke(ctx, "JoinGroup", " ")
	assert.ErrorIs(t, err, domain.ErrInvocationFault)

	_, err = c.Invoke(ctx, "SendTo", "no-such-connection", "hi")
	assert.ErrorIs(t, err, domain.ErrInvocationFault)

	st := a.server.Status()
	assert.Equal(t, "local", st.Backplane.Kind)
	assert.Contains(t, st.Methods, "SendToGroup")
}

func TestNewAppRejectsBadPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Stages = []string{"rot13"}
	_, err := newApp(context.Background(), cfg, appDeps{Logger: logger.Discard(), Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{`"quoted"`, `42`, `{"a":1}`, `plain words`})
	require.Len(t, got, 4)
	assert.Equal(t, json.RawMessage(`"quoted"`), got[0])
	assert.Equal(t, json.RawMessage(`42`), got[1])
	assert.Equal(t, json.RawMessage(`{"a":1}`), got[2])
	assert.Equal(t, "plain words", got[3])
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, json.RawMessage(`{"b":2,"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": 2\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, nil))
	assert.Equal(t, "null\n", buf.String())
}

func TestConfigPath(t *testing.T) {
	t.Setenv("MORSEL_CONFIG", "")
	assert.Equal(t, "morsel.yaml", configPath(""))
	assert.Equal(t, "x.yaml", configPath("x.yaml"))
	t.Setenv("MORSEL_CONFIG", "/etc/morsel.yaml")
	assert.Equal(t, "/etc/morsel.yaml", configPath(""))
}

func mustPipeline(t *testing.T, cfg *config.Config) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Build(pipeline.Options{Stages: cfg.Pipeline.Stages})
	require.NoError(t, err)
	return p
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "morsel dev\n", out)
}

func TestTokenCommand(t *testing.T) {
	secret := strings.Repeat("k", 32)
	t.Setenv("MORSEL_JWT_SECRET", secret)

	out, err := runCLI(t, "token", "--subject", "alice", "--roles", "ops, admin", "--ttl", "1h")
	require.NoError(t, err)

	info, err := gateway.NewJWTAuth([]byte(secret)).Authenticate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, []string{"ops", "admin"}, info.Roles)

	t.Setenv("MORSEL_JWT_SECRET", "short")
	_, err = runCLI(t, "token", "--subject", "alice")
	assert.Error(t, err)
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("MORSEL_CONFIG_KEY", "")
	_, err := runCLI(t, "encrypt", "s3cret")
	assert.Error(t, err)

	t.Setenv("MORSEL_CONFIG_KEY", "passphrase")
	out, err := runCLI(t, "encrypt", "s3cret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "enc:"), out)
	plain, err := config.DecryptValue(strings.TrimSpace(strings.TrimPrefix(out, "enc:")), "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestInvokeCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Stages = nil
	_, url := startApp(t, cfg, nil)

	out, err := runCLI(t, "invoke", "--url", url, "--retries", "1", "Echo", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "\"hello there\"\n", out)

	_, err = runCLI(t, "invoke", "--url", url, "--retries", "1", "Missing")
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)

	_, err = runCLI(t, "invoke")
	assert.Error(t, err)
}
