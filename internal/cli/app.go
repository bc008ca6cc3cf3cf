package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"helixstream/internal/api"
	"helixstream/internal/chat"
	"helixstream/internal/config"
	"helixstream/internal/ledger"
	"helixstream/internal/logging"
	"helixstream/internal/run"
	"helixstream/internal/stream"
	"helixstream/internal/transport"
	"helixstream/internal/transport/grpcstream"
	"helixstream/internal/transport/sse"
	"helixstream/internal/transport/ws"
)

type app struct {
	cfg      config.Config
	client   *api.Client
	registry *transport.Registry
	grpc     *grpcstream.Dialer
	journal  *ledger.Store
	log      *slog.Logger
	out      io.Writer
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	log := logging.WithComponent(logging.ComponentCLI)
	client := api.New(cfg.APIURL, cfg.APIKey,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithRateLimit(cfg.RateLimit),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes),
		api.WithLogger(logging.WithComponent(logging.ComponentAPI)),
	)

	a := &app{
		cfg:      cfg,
		client:   client,
		registry: transport.NewRegistry(),
		grpc:     grpcstream.New(cfg.GRPCAddr, grpcstream.WithHeader(client.Header())),
		log:      log,
		out:      out,
	}
	// streams outlive the request timeout, so they get their own client
	a.registry.Register(sse.Name, sse.New(client, &http.Client{}))
	a.registry.Register(ws.Name, ws.New(client))
	a.registry.Register(grpcstream.Name, a.grpc)

	if cfg.Journal {
		store, err := ledger.OpenMemory(ctx)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = store
	}
	log.Debug("client ready", "api_url", cfg.APIURL, "transport", cfg.Transport, "transports", a.registry.Names())
	return a, nil
}

func (a *app) Close() error {
	var firstErr error
	if err := a.grpc.Close(); err != nil {
		firstErr = err
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *app) dialer() (stream.Dialer, error) {
	return a.registry.Get(a.cfg.Transport)
}

// streamReconnects keeps a configured zero as "no retries"; stream.Options
// reads zero as the default budget.
func streamReconnects(n int) int {
	if n == 0 {
		return stream.NoReconnects
	}
	return n
}

func (a *app) runCoordinator() (*run.Coordinator, error) {
	d, err := a.dialer()
	if err != nil {
		return nil, err
	}
	cfg := run.Config{
		Mode:           run.WaitStream,
		ReconnectDelay: a.cfg.ReconnectDelay,
		MaxReconnects:  streamReconnects(a.cfg.MaxReconnects),
		PollInterval:   a.cfg.PollInterval,
		PollMaxRetries: a.cfg.PollMaxRetries,
		StopLinger:     a.cfg.StopLinger,
		Logger:         logging.WithComponent(logging.ComponentRun),
	}
	if a.cfg.WaitMode == config.WaitPoll {
		cfg.Mode = run.WaitPoll
	}
	if a.journal != nil {
		cfg.Journal = a.journal
	}
	return run.NewCoordinator(a.client, d, cfg), nil
}

func (a *app) chatCoordinator(agent string) (*chat.Coordinator, error) {
	d, err := a.dialer()
	if err != nil {
		return nil, err
	}
	cfg := chat.Config{
		Agent:          agent,
		Mode:           chat.WaitMode(a.cfg.WaitMode),
		ReconnectDelay: a.cfg.ReconnectDelay,
		MaxReconnects:  streamReconnects(a.cfg.MaxReconnects),
		PollInterval:   a.cfg.PollInterval,
		PollMaxRetries: a.cfg.PollMaxRetries,
		Tools:          builtinTools(),
		Logger:         logging.WithComponent(logging.ComponentChat),
	}
	if a.journal != nil {
		cfg.Journal = a.journal
	}
	return chat.NewCoordinator(a.client, a.client, d, cfg), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) dumpJournal(ctx context.Context, resource, id string) error {
	if a.journal == nil {
		return nil
	}
	entries, err := a.journal.List(ctx, resource, id, 0, 0)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	fmt.Fprintf(a.out, "journal: %d %s updates for %s\n", len(entries), resource, id)
	for _, e := range entries {
		fields := ""
		if len(e.Fields) > 0 {
			fields = fmt.Sprintf(" fields=%v", e.Fields)
		}
		fmt.Fprintf(a.out, "  #%d %s %s%s\n", e.Seq, e.Event, e.Kind, fields)
	}
	return nil
}
