// Package server orchestrates all components: NATS client, state backend,
// agent host, NATS transport, bootstrap agents, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/agent-host/internal/config"
	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/bootstrap"
	"github.com/morezero/agent-host/pkg/builtin"
	"github.com/morezero/agent-host/pkg/commsutil"
	"github.com/morezero/agent-host/pkg/db"
	"github.com/morezero/agent-host/pkg/events"
	"github.com/morezero/agent-host/pkg/host"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/state"
	"github.com/morezero/agent-host/pkg/transport"
)

const logPrefix = "server:server"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// Server is the agent-host orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	level      *state.LevelDBFactory
	host       *host.Host
	nats       *transport.NATS
	bootstrap  *bootstrap.ResolvedBootstrap
	httpServer *http.Server
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting agent-host %s", logPrefix, cfg.HostName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	s, err := New(ctx, cfg, nc)
	if err != nil {
		nc.Close()
		return err
	}
	return s.Serve(ctx)
}

// SetupLogging installs the default text logger at the named level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// New builds a ready host: state backend, catalog, NATS transport (when nc is
// set) and bootstrap agents. The HTTP server is not started.
func New(ctx context.Context, cfg *config.Config, nc *comms.Conn) (*Server, error) {
	s := &Server{cfg: cfg, nc: nc}

	bootstrapCfg, err := bootstrap.LoadBootstrapConfig(cfg.BootstrapFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load bootstrap config: %w", logPrefix, err)
	}
	s.bootstrap = bootstrap.CreateResolvedBootstrap(bootstrapCfg)

	// Step 1: Open the state backend
	states, err := s.openState(ctx)
	if err != nil {
		return nil, err
	}

	// Step 2: Catalog and host
	catalog := agent.NewCatalog()
	if err := builtin.Register(catalog); err != nil {
		s.closeState()
		return nil, fmt.Errorf("%s - failed to register built-in types: %w", logPrefix, err)
	}
	codec, err := jsonrpc.CodecFor(cfg.WireCodec)
	if err != nil {
		s.closeState()
		return nil, err
	}
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if nc != nil {
		subject := cfg.ChangeEventSubject
		if subject == "" {
			subject = s.bootstrap.GlobalChangeSubject()
		}
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{
			GlobalSubject: subject,
			Codec:         codec,
		})
	}
	h, err := host.New(catalog, states, hostConfig(cfg), host.WithEvents(publisher))
	if err != nil {
		s.closeState()
		return nil, err
	}
	s.host = h

	// Step 3: Serve agents over NATS
	if nc != nil {
		s.nats = transport.NewNATS(nc, transport.NATSConfig{
			HostName:       cfg.HostName,
			Codec:          codec,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err := s.nats.Start(h); err != nil {
			s.closeState()
			return nil, fmt.Errorf("%s - failed to start NATS transport: %w", logPrefix, err)
		}
		if err := h.AddTransport(ctx, s.nats); err != nil {
			slog.Warn(fmt.Sprintf("%s - transport registration signals: %v", logPrefix, err))
		}
		slog.Info(fmt.Sprintf("%s - Serving %s", logPrefix, commsutil.BuildHostSubject(cfg.HostName)))
	}

	// Step 4: Bootstrap agents
	if _, err := bootstrap.Apply(ctx, h, s.bootstrap); err != nil {
		s.Shutdown(ctx)
		return nil, fmt.Errorf("%s - failed to create bootstrap agents: %w", logPrefix, err)
	}

	addr := cfg.HTTPAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func hostConfig(cfg *config.Config) host.Config {
	return host.Config{
		Name:           cfg.HostName,
		Shortcut:       cfg.Shortcut,
		CacheSize:      cfg.CacheSize,
		MaxWorkers:     cfg.MaxWorkers,
		CallTimeout:    cfg.CallTimeout,
		ProxyCacheSize: cfg.ProxyCacheSize,
	}
}

func (s *Server) openState(ctx context.Context) (state.Factory, error) {
	switch s.cfg.StateBackend {
	case config.StateLevelDB:
		f, err := state.OpenLevelDB(s.cfg.StateLevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to open LevelDB state: %w", logPrefix, err)
		}
		s.level = f
		slog.Info(fmt.Sprintf("%s - State in LevelDB at %s", logPrefix, s.cfg.StateLevelDBPath))
		return f, nil

	case config.StatePostgres:
		pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		if s.cfg.RunMigrations {
			migrationSQL, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
				pool.Close()
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		s.pool = pool
		slog.Info(fmt.Sprintf("%s - State in Postgres", logPrefix))
		return state.NewPostgresFactory(db.NewRepository(pool)), nil

	default:
		slog.Info(fmt.Sprintf("%s - State in memory; agents do not survive a restart", logPrefix))
		return state.NewMemoryFactory(), nil
	}
}

func (s *Server) closeState() {
	if s.level != nil {
		if err := s.level.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - close LevelDB: %v", logPrefix, err))
		}
		s.level = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Host returns the agent host.
func (s *Server) Host() *host.Host { return s.host }

// Serve runs the HTTP server until ctx ends, then shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	slog.Info(fmt.Sprintf("%s - agent-host is ready", logPrefix))
	err := g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// Shutdown stops HTTP, the host (and with it the transports), NATS and the
// state backend, in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.host != nil {
		if err := s.host.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closeState()
	return errors.Join(errs...)
}

// Dial builds a host with no agents of its own that reaches remote agents over
// nc. It backs the call and describe commands.
func Dial(cfg *config.Config, nc *comms.Conn) (*host.Host, error) {
	codec, err := jsonrpc.CodecFor(cfg.WireCodec)
	if err != nil {
		return nil, err
	}
	h, err := host.New(agent.NewCatalog(), state.NewMemoryFactory(), host.Config{Name: cfg.COMMSName})
	if err != nil {
		return nil, err
	}
	tr := transport.NewNATS(nc, transport.NATSConfig{
		HostName:       cfg.COMMSName,
		Codec:          codec,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err := h.AddTransport(context.Background(), tr); err != nil {
		h.Shutdown(context.Background())
		return nil, err
	}
	return h, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("GET /agents/{id}", s.handleAgent)
	return mux
}

// HealthChecks reports the dependencies the host relies on.
type HealthChecks struct {
	Comms bool `json:"comms"`
	State bool `json:"state"`
}

// HealthOutput is the /health body.
type HealthOutput struct {
	Status     string       `json:"status"`
	Host       string       `json:"host"`
	Checks     HealthChecks `json:"checks"`
	Transports []string     `json:"transports"`
	Timestamp  string       `json:"timestamp"`
}

// Health checks NATS and the state backend.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:     "healthy",
		Host:       s.cfg.HostName,
		Checks:     HealthChecks{Comms: true, State: true},
		Transports: s.host.Transports(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if s.nc != nil && !s.nc.IsConnected() {
		out.Checks.Comms = false
	}
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - database ping: %v", logPrefix, err))
			out.Checks.State = false
		}
	}
	if !out.Checks.Comms || !out.Checks.State {
		out.Status = "unhealthy"
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// AgentOutput is the /agents/{id} body.
type AgentOutput struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	URLs    []string           `json:"urls"`
	Methods []method.Signature `json:"methods"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	out, err := s.describeAgent(ctx, r.PathValue("id"))
	if errors.Is(err, host.ErrAgentNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) describeAgent(ctx context.Context, id string) (*AgentOutput, error) {
	methods, err := s.host.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &AgentOutput{ID: id, URLs: s.host.URLs(id), Methods: methods}
	resp, err := s.host.Send(ctx, "", "local:"+id, jsonrpc.NewRequest("getType", nil))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	out.Type, _ = resp.Result.(string)
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - encode response: %v", logPrefix, err))
	}
}

// homePageTemplate is the HTML for the host home page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Agent Host {{.Health.Host}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Agent Host {{.Health.Host}}</h1>
  <p class="meta">Health, agent types and bootstrap agents.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Transports: {{range .Health.Transports}}{{.}} {{else}}none{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Agent types</h2>
    <table>
      <thead><tr><th>Type</th></tr></thead>
      <tbody>
        {{range .Types}}<tr><td>{{.}}</td></tr>{{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Bootstrap agents</h2>
    {{if not .Agents}}
    <p>No bootstrap agents.</p>
    {{else}}
    <table>
      <thead><tr><th>Agent</th><th>Type</th><th>Description</th></tr></thead>
      <tbody>
        {{range .Agents}}
        <tr><td><a href="/agents/{{.ID}}">{{.ID}}</a></td><td>{{.Type}}</td><td>{{.Description}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type homeAgent struct {
	ID          string
	Type        string
	Description string
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health *HealthOutput
	Types  []string
	Agents []homeAgent
}

// handleHome returns an HTTP handler for the host home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.Health(ctx), Types: s.host.Catalog().Types()}
		if s.bootstrap != nil {
			for id, a := range s.bootstrap.List() {
				data.Agents = append(data.Agents, homeAgent{ID: id, Type: a.Type, Description: a.Description})
			}
			sort.Slice(data.Agents, func(i, j int) bool { return data.Agents[i].ID < data.Agents[j].ID })
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
