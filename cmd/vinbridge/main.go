// Command vinbridge runs the edge-node runtime: it terminates the vehicle's
// telemetry push stream, serves signed/unsigned commands to the fleet
// service, evaluates triggers, and bridges a JSON-RPC gateway connection to
// the local dispatcher. CLI flag parsing, environment/file config loading
// beyond the YAML config path, and pretty-printed output are a
// collaborator's concern — this binary only wires the core.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/99souls/vinbridge/internal/cache"
	"github.com/99souls/vinbridge/internal/command"
	"github.com/99souls/vinbridge/internal/config"
	"github.com/99souls/vinbridge/internal/dispatch"
	"github.com/99souls/vinbridge/internal/fanout"
	"github.com/99souls/vinbridge/internal/filter"
	"github.com/99souls/vinbridge/internal/gateway"
	"github.com/99souls/vinbridge/internal/obshealth"
	"github.com/99souls/vinbridge/internal/obslog"
	"github.com/99souls/vinbridge/internal/obsmetrics"
	"github.com/99souls/vinbridge/internal/obstrace"
	"github.com/99souls/vinbridge/internal/receiver"
	"github.com/99souls/vinbridge/internal/restclient"
	"github.com/99souls/vinbridge/internal/session"
	"github.com/99souls/vinbridge/internal/sinks"
	"github.com/99souls/vinbridge/internal/store"
	"github.com/99souls/vinbridge/internal/telemetry"
	"github.com/99souls/vinbridge/internal/trigger"
	"github.com/99souls/vinbridge/internal/tunnel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the runtime YAML config")
	vinFlag := flag.String("vin", "", "the single vehicle VIN this node bridges")
	vehiclePubKeyHex := flag.String("vehicle-pubkey", "", "hex-encoded secp256k1 public key the vehicle signs its handshake with")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	vin, err := telemetry.ParseVIN(*vinFlag)
	if err != nil {
		log.Error("invalid -vin", "error", err)
		os.Exit(1)
	}

	rt, err := newRuntime(cfg, vin, *vehiclePubKeyHex, log)
	if err != nil {
		log.Error("runtime construction failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.Run(ctx)
}

// Runtime is the single value every component is constructed from and
// holds by reference.
type Runtime struct {
	cfg config.Config
	vin telemetry.VehicleID
	log *slog.Logger

	tracer  *obstrace.Provider
	metrics *obsmetrics.Provider
	health  *obshealth.Evaluator

	latest   *store.Latest
	cacheSt  *cache.Cache
	triggers *trigger.Engine
	fanOut   *fanout.Fanout

	restClient *restclient.Client
	sessionMgr *session.Manager
	registry   *command.Registry
	router     *command.Router
	dispatcher *dispatch.Dispatcher

	recv    *receiver.Server
	gw      *gateway.Client
	tun     *tunnel.Session
	signingReady func() bool
}

func newRuntime(cfg config.Config, vin telemetry.VehicleID, vehiclePubKeyHex string, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{cfg: cfg, vin: vin, log: log}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.KeyDir, 0o700); err != nil {
		return nil, err
	}

	tp, err := obstrace.New(context.Background())
	if err != nil {
		return nil, err
	}
	rt.tracer = tp
	rt.metrics = obsmetrics.New()

	rt.latest = store.New()
	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	rt.cacheSt = c
	rt.triggers = trigger.New()
	rt.fanOut = fanout.New()

	rt.restClient = restclient.New(restclient.DefaultConfig(cfg.FleetBaseURL, cfg.FleetToken), obslog.New(log, "restclient").Slog())
	rt.registry = command.NewRegistry()
	rt.sessionMgr = session.New(rt.restClient, rt.registry)

	tier := dispatch.TierReadWrite
	if cfg.Tier == string(dispatch.TierReadonly) {
		tier = dispatch.TierReadonly
	}
	rt.signingReady = func() bool { return true } // the session manager establishes sessions on demand; no separate enrollment gate in this runtime.

	policy := &policyGate{tier: tier, registry: rt.registry, signingReady: rt.signingReady}
	rt.router = command.NewRouter(rt.registry, rt.sessionMgr, rt.restClient, policy, rt.cacheSt)
	rt.router.SetMetrics(rt.metrics)
	rt.dispatcher = dispatch.New(rt.latest, rt.triggers, rt.router, rt.registry, tier, rt.signingReady)
	rt.triggers.SetMetrics(rt.metrics)
	rt.cacheSt.SetMetrics(rt.metrics)
	rt.fanOut.SetMetrics(rt.metrics)

	gwHandler := func(method string, params json.RawMessage) (json.RawMessage, error) {
		var p map[string]any
		_ = json.Unmarshal(params, &p)
		return rt.dispatcher.Dispatch(context.Background(), rt.vin, method, p)
	}
	gw, err := gateway.New(cfg.GatewayURL, cfg.KeyDir+"/device-key.pem", gwHandler, obslog.New(log, "gateway").Slog())
	if err != nil {
		return nil, err
	}
	rt.gw = gw
	rt.gw.SetMetrics(rt.metrics)
	rt.triggers.SetPushSink(gw)

	pub, err := parsePubKey(vehiclePubKeyHex)
	if err != nil {
		return nil, err
	}
	lookup := func(v telemetry.VehicleID) (*secp256k1.PublicKey, bool) {
		if v != rt.vin {
			return nil, false
		}
		return pub, true
	}
	rt.recv = receiver.New(lookup, rt.fanOut, obslog.New(log, "receiver").Slog())
	rt.recv.SetMetrics(rt.metrics)

	rt.wireSinks()

	if cfg.PublicHostname != "" {
		localPort := listenPort(cfg.ListenAddr)
		tunCfg := tunnel.TelemetryConfig{
			Fields:   defaultTelemetryFields(),
			Interval: time.Duration(cfg.TelemetryIntervalSeconds) * time.Second,
		}
		rt.tun = tunnel.New(vin, localPort, tunCfg, &staticIngress{hostname: cfg.PublicHostname}, rt.restClient, obslog.New(log, "tunnel").Slog())
	}

	rt.health = obshealth.NewEvaluator(2*time.Second, rt.healthProbes()...)

	return rt, nil
}

// defaultTelemetryFields is the field set pushed to the vehicle's fleet
// telemetry config when the tunnel session opens; narrowed to the fields
// this runtime's emission filter and trigger engine actually consume.
func defaultTelemetryFields() []telemetry.FieldName {
	return []telemetry.FieldName{
		telemetry.Soc, telemetry.BatteryLevel, telemetry.InsideTemp, telemetry.OutsideTemp,
		telemetry.VehicleSpeed, telemetry.ChargeState, telemetry.Locked, telemetry.Location,
	}
}

func listenPort(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, r := range addr[i+1:] {
				if r < '0' || r > '9' {
					return 0
				}
				port = port*10 + int(r-'0')
			}
			return port
		}
	}
	return 0
}

// staticIngress fronts a pre-provisioned public hostname (e.g. a load
// balancer or reverse proxy configured outside this process) rather than
// dynamically allocating one; Allocate/Release are no-ops beyond returning
// the configured hostname, matching deployments where the tunnel's ingress
// step is already satisfied by infrastructure the fleet operator manages.
type staticIngress struct {
	hostname string
}

func (s *staticIngress) Allocate(ctx context.Context, localPort int) (string, error) {
	return s.hostname, nil
}

func (s *staticIngress) Release(ctx context.Context, publicHostname string) error {
	return nil
}

func parsePubKey(hexKey string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(raw)
}

func (rt *Runtime) wireSinks() {
	rt.fanOut.Register(&sinks.LatestStoreSink{Store: rt.latest})
	rt.fanOut.Register(&sinks.CacheSink{Cache: rt.cacheSt, TTL: cache.TTLDefault})
	rt.fanOut.Register(&sinks.TriggerSink{Engine: rt.triggers})
	if rt.cfg.EnableEmitter {
		f := filter.New(filter.DefaultSpecs())
		rt.fanOut.Register(&sinks.EmitterSink{Filter: f, Publisher: rt.gw})
	}
	if rt.cfg.EnableDashboard {
		rt.fanOut.Register(&sinks.DashboardSink{})
	}
}

// Run starts every background loop and blocks until ctx is cancelled, then
// performs the graceful shutdown sequence: stop accepting new telemetry
// connections, drain in-flight fanout deliveries with a 5s timeout, close
// the gateway connection, exit.
func (rt *Runtime) Run(ctx context.Context) {
	rt.fanOut.Start()

	if rt.tun != nil {
		if err := rt.tun.Open(ctx); err != nil {
			rt.log.Error("runtime: tunnel open failed", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", rt.recv.ServeHTTP)
	httpSrv := &http.Server{Addr: rt.cfg.ListenAddr, Handler: mux}

	metricsSrv := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: rt.metrics.Handler()}
	healthSrv := &http.Server{Addr: rt.cfg.HealthAddr, Handler: obshealth.NewHandler(rt.health, true)}

	go func() { _ = httpSrv.ListenAndServe() }()
	go func() { _ = metricsSrv.ListenAndServe() }()
	go func() { _ = healthSrv.ListenAndServe() }()

	gwCtx, gwCancel := context.WithCancel(ctx)
	go rt.gw.Run(gwCtx)

	<-ctx.Done()
	rt.log.Info("runtime: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	drainTimeout := rt.cfg.ShutdownDrain
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	if err := rt.fanOut.Drain(drainTimeout); err != nil {
		rt.log.Warn("runtime: drain timed out", "error", err)
	}
	rt.fanOut.Stop()

	gwCancel()

	if rt.tun != nil {
		if err := rt.tun.Close(shutdownCtx); err != nil {
			rt.log.Warn("runtime: tunnel close reported errors", "error", err)
		}
	}

	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = rt.tracer.Shutdown(shutdownCtx)

	rt.log.Info("runtime: shutdown complete")
}

func (rt *Runtime) healthProbes() []obshealth.Probe {
	return []obshealth.Probe{
		obshealth.ProbeFunc(func(ctx context.Context) obshealth.ProbeResult {
			state := rt.gw.State()
			if state == gateway.StateActive {
				return obshealth.Healthy("gateway")
			}
			return obshealth.Degraded("gateway", state.String())
		}),
		obshealth.ProbeFunc(func(ctx context.Context) obshealth.ProbeResult {
			snap := rt.latest.Snapshot()
			if len(snap) == 0 {
				return obshealth.Degraded("telemetry", "no frames observed yet")
			}
			var newest time.Time
			for _, e := range snap {
				if e.Timestamp.After(newest) {
					newest = e.Timestamp
				}
			}
			if time.Since(newest) > 5*time.Minute {
				return obshealth.Unhealthy("telemetry", "no frames in over 5 minutes")
			}
			return obshealth.Healthy("telemetry")
		}),
	}
}

// policyGate implements command.Gate: the tier and signing-availability
// checks the router must run before any network I/O. The dispatcher
// already applies the same checks before reaching the router; this is
// defense in depth for any caller that reaches the router directly.
type policyGate struct {
	tier         dispatch.Tier
	registry     *command.Registry
	signingReady func() bool
}

func (g *policyGate) Allow(vin telemetry.VehicleID, name string) error {
	if g.tier == dispatch.TierReadonly {
		return command.ErrTierBlocked
	}
	if spec, ok := g.registry.Lookup(name); ok && spec.RequiresSigning {
		if g.signingReady != nil && !g.signingReady() {
			return command.ErrSigningUnavailable
		}
	}
	return nil
}
