package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aigateway/core/internal/bridge"
	"github.com/aigateway/core/internal/config"
	"github.com/aigateway/core/internal/eventbus"
	"github.com/aigateway/core/internal/fallback"
	"github.com/aigateway/core/internal/logging"
	"github.com/aigateway/core/internal/provider/anthropic"
	"github.com/aigateway/core/internal/provider/google"
	"github.com/aigateway/core/internal/provider/openaicompat"
	"github.com/aigateway/core/internal/providercfg"
	"github.com/aigateway/core/internal/provmodel"
	"github.com/aigateway/core/internal/ratelimit"
	"github.com/aigateway/core/internal/router"
	"github.com/aigateway/core/internal/session"
)

func main() {
	var (
		configF = flag.String("config", "./gateway.yaml", "Path to the gateway's YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug-level logging")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.Debug = true
	}

	format := logging.FormatTerminal
	if cfg.LogFormat == "json" {
		format = logging.FormatJSON
	} else if cfg.LogFormat == "" && !logging.IsTerminal() {
		format = logging.FormatJSON
	}
	ctx := logging.Context(context.Background(), logging.WithFormat(format))
	if cfg.Debug {
		ctx = logging.Context(ctx, logging.WithDebug())
		logging.Debugf(ctx, "debug logging enabled")
	}
	logging.Print(ctx, logging.KV{K: "config", V: *configF}, logging.KV{K: "host", V: cfg.Host})

	providers := providercfg.NewRegistryFromEnv()
	if err := providers.LoadDirectory(cfg.ProviderConfigDir); err != nil {
		logging.Fatal(ctx, err)
	}

	rl := ratelimit.NewRegistry(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)

	factories := map[providercfg.ProviderType]router.AdapterFactory{
		providercfg.ProviderAnthropic: func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
			return anthropic.NewFromAPIKey(p.ID, p.ResolvedKey, modelIDs(p)), nil
		},
		providercfg.ProviderGoogle: func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
			return google.New(p.ID, p.BaseURL, p.ResolvedKey, modelIDs(p), http.DefaultClient), nil
		},
		providercfg.ProviderOpenAI: func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
			return openaicompat.New(p.ID, p.BaseURL, p.ResolvedKey, modelIDs(p)), nil
		},
		providercfg.ProviderOpenAICompatible: func(p *providercfg.ProviderConfig) (provmodel.Adapter, error) {
			return openaicompat.New(p.ID, p.BaseURL, p.ResolvedKey, modelIDs(p)), nil
		},
	}
	rt := router.New(providers, factories)
	dispatcher := &rateLimitedDispatcher{router: rt, limiters: rl}

	breaker := fallback.New(dispatcher, fallback.Hooks{
		OnFallback: func(from, to fallback.Candidate, err error) {
			logging.Info(ctx, "provider fallback", "from", from.ProviderID, "to", to.ProviderID, "reason", err.Error())
		},
	}, fallback.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	})

	bus := eventbus.New()
	manager := session.NewManager(session.Options{
		Auth:               session.AuthConfig{APIKeys: cfg.APIKeys()},
		AllowedOrigins:     cfg.Auth.AllowedOrigins,
		MaxConnections:     cfg.Auth.MaxConnections,
		RateLimitPerSecond: cfg.RateLimit.PerSessionPerSecond,
		RateLimitBurst:     cfg.RateLimit.PerSessionBurst,
	})

	chatter := &gatewayChatter{breaker: breaker, bus: bus, providers: providers}
	manager.Handle("chat:send", session.NewChatSendHandler(chatter, ""))
	manager.Handle("chat:stop", session.NewToolCancelHandler())
	manager.Handle("chat:retry", session.NewChatSendHandler(chatter, ""))

	br := bridge.New(bus, manager)
	manager.Handle("event:subscribe", br.SubscribeHandler())
	manager.Handle("event:unsubscribe", br.UnsubscribeHandler())
	manager.Handle("event:publish", br.PublishHandler(nil))

	// The channel-service, agent-runtime, and coding-agent collaborators
	// (spec §6.5) are out of scope for this module: no concrete
	// implementation is wired here. The handlers below still dispatch the
	// documented event sequence against those collaborator interfaces, so a
	// real plugin host can be plugged in by passing a non-nil
	// implementation in place of the nils.
	manager.Handle("channel:connect", session.NewChannelConnectHandler(nil))
	manager.Handle("channel:disconnect", session.NewChannelDisconnectHandler(nil))
	manager.Handle("channel:subscribe", session.NewChannelSubscribeHandler())
	manager.Handle("channel:unsubscribe", session.NewChannelUnsubscribeHandler())
	manager.Handle("channel:send", session.NewChannelSendHandler(nil))
	manager.Handle("channel:list", session.NewChannelListHandler(nil))

	manager.Handle("agent:configure", session.NewAgentConfigureHandler(nil))
	manager.Handle("agent:stop", session.NewAgentStopHandler(nil))
	manager.Handle("tool:cancel", session.NewToolCancelHandler())

	manager.Handle("session:ping", session.NewSessionPingHandler())
	manager.Handle("session:pong", session.NewSessionPongHandler())

	manager.Handle("coding-agent:input", session.NewCodingAgentInputHandler(nil))
	manager.Handle("coding-agent:resize", session.NewCodingAgentResizeHandler(nil))
	manager.Handle("coding-agent:subscribe", session.NewCodingAgentSubscribeHandler(nil))

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if _, err := manager.Upgrade(w, r); err != nil {
			logging.Error(ctx, err, "websocket upgrade failed")
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Host,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logging.Info(ctx, "listening", "host", cfg.Host)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	logging.Info(ctx, "exiting", "cause", fmt.Sprint(<-errc))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Close()
	breaker.Cancel()
	wg.Wait()
	logging.Info(ctx, "exited")
}

// modelIDs extracts the model id list a router.AdapterFactory needs from a
// provider's config.
func modelIDs(p *providercfg.ProviderConfig) []string {
	ids := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

// rateLimitedDispatcher adapts a *router.Router into a fallback.Dispatcher
// that gates every call through a per-provider adaptive token bucket
// before dispatching, and reports the outcome back to that bucket.
// Streaming only observes the call that establishes the stream: per-chunk
// outcomes are not visible to a Dispatcher and are not adapted here.
type rateLimitedDispatcher struct {
	router   *router.Router
	limiters *ratelimit.Registry
}

func (d *rateLimitedDispatcher) CompleteWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (*provmodel.CompletionResponse, error) {
	limiter := d.limiters.Get(providerID)
	if err := limiter.Wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := d.router.CompleteWith(ctx, providerID, modelID, req)
	limiter.Observe(err)
	return resp, err
}

func (d *rateLimitedDispatcher) StreamWith(ctx context.Context, providerID, modelID string, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	limiter := d.limiters.Get(providerID)
	if err := limiter.Wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := d.router.StreamWith(ctx, providerID, modelID, req)
	limiter.Observe(err)
	return s, err
}

func (d *rateLimitedDispatcher) IsReady(providerID string) bool { return d.router.IsReady(providerID) }
func (d *rateLimitedDispatcher) CancelAll()                     { d.router.CancelAll() }

// gatewayChatter adapts the fallback wrapper and provider registry into the
// session layer's Chatter contract, building the candidate list from every
// provider that currently has a resolved API key.
type gatewayChatter struct {
	breaker   *fallback.Wrapper
	bus       *eventbus.Bus
	providers *providercfg.Registry
}

func (c *gatewayChatter) Stream(ctx context.Context, req provmodel.CompletionRequest) (provmodel.Streamer, error) {
	var candidates []fallback.Candidate
	for _, p := range c.providers.List() {
		modelID, err := p.DefaultModelID()
		if err != nil {
			continue
		}
		candidates = append(candidates, fallback.Candidate{ProviderID: p.ID, ModelID: modelID})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no configured provider has a resolved API key")
	}
	s, err := c.breaker.Stream(ctx, candidates, req)
	if err == nil {
		c.bus.Emit(ctx, eventbus.Event{Type: "chat.stream.started", Category: "chat", Source: "gateway"})
	}
	return s, err
}
