// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datavision-io/des/internal/promexp"
	"github.com/datavision-io/des/internal/sync2"
)

// Config configures the router peer.
type Config struct {
	Address                 string        `help:"address to listen on" default:":8000"`
	Retrievers              []string      `help:"retriever base urls" default:""`
	Strategy                string        `help:"routing strategy: hash_byte or round_robin" default:"hash_byte"`
	RequestTimeout          time.Duration `help:"per-attempt upstream timeout" default:"30s"`
	CircuitBreakerThreshold int           `help:"failures before a retriever is taken out of rotation" default:"5"`
	CircuitBreakerTimeout   time.Duration `help:"how long an open breaker blocks a retriever" default:"30s"`
	MaxRetries              int           `help:"failover attempts after the primary" default:"3"`
	ShutdownTimeout         time.Duration `help:"graceful shutdown limit" default:"10s"`
}

// Peer is the router service.
type Peer struct {
	Log    *zap.Logger
	Config Config
	Table  *Table

	client *http.Client

	Listener net.Listener
	Server   *http.Server
}

// New creates the peer and binds its listener.
func New(log *zap.Logger, config Config) (*Peer, error) {
	table, err := NewTable(config.Retrievers, config.Strategy,
		config.CircuitBreakerThreshold, config.CircuitBreakerTimeout)
	if err != nil {
		return nil, err
	}
	peer := &Peer{
		Log:    log,
		Config: config,
		Table:  table,
		client: &http.Client{Timeout: config.RequestTimeout},
	}

	router := mux.NewRouter()
	router.HandleFunc("/files/{name}", peer.handleProxy).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/routing-table", peer.handleRoutingTable).Methods(http.MethodGet)
	router.HandleFunc("/health", peer.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", peer.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promexp.Handler()).Methods(http.MethodGet)

	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	peer.Listener = listener
	peer.Server = &http.Server{Handler: router}
	return peer, nil
}

// Addr returns the bound listen address.
func (peer *Peer) Addr() string { return peer.Listener.Addr().String() }

// Run serves requests until the context is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), peer.Config.ShutdownTimeout)
		defer cancel()
		return peer.Server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		peer.Log.Info("router listening", zap.String("address", peer.Addr()))
		err := peer.Server.Serve(peer.Listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close releases the listener.
func (peer *Peer) Close() error {
	return peer.Server.Close()
}

// handleProxy forwards a file request to the primary retriever for its
// hash byte, failing over to healthy fallbacks on 5xx and transport
// errors. 4xx responses pass through untouched.
func (peer *Peer) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)
	name := mux.Vars(r)["name"]

	explicit := -1
	if raw := r.URL.Query().Get("hash_byte"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 0, 32)
		if err != nil || parsed < 0 || parsed > 255 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hash_byte"})
			return
		}
		explicit = int(parsed)
	}
	routing, err := HashByte(name, r.URL.Query().Get("hash"), explicit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	sequence, err := peer.Table.Sequence(routing)
	if err != nil {
		mon.Counter("router_unavailable").Inc(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	attempts := peer.Config.MaxRetries + 1
	if attempts > len(sequence) {
		attempts = len(sequence)
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			if backoff > 3*time.Second {
				backoff = 3 * time.Second
			}
			if !sync2.Sleep(ctx, backoff) {
				return
			}
			mon.Counter("router_retries").Inc(1)
		}
		endpoint := sequence[attempt]

		resp, err := peer.forward(ctx, r.Method, endpoint.URL+"/files/"+name)
		if err != nil {
			peer.Table.MarkFailure(endpoint.ID)
			mon.Counter("router_upstream_failures").Inc(1)
			peer.Log.Warn("retriever unreachable",
				zap.String("retriever", endpoint.ID), zap.Error(err))
			lastErr = err
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			_ = resp.Body.Close()
			peer.Table.MarkFailure(endpoint.ID)
			mon.Counter("router_upstream_failures").Inc(1)
			lastErr = Error.New("retriever %s returned %d", endpoint.ID, resp.StatusCode)
			continue
		}

		peer.Table.MarkSuccess(endpoint.ID)
		copyResponse(w, resp, r.Method)
		return
	}

	writeJSON(w, http.StatusServiceUnavailable,
		map[string]string{"error": errs.Combine(ErrNoHealthy.New("exhausted retries"), lastErr).Error()})
}

func (peer *Peer) forward(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return peer.client.Do(req)
}

func copyResponse(w http.ResponseWriter, resp *http.Response, method string) {
	defer func() { _ = resp.Body.Close() }()
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func (peer *Peer) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"retrievers": peer.Table.Snapshot()})
}

func (peer *Peer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (peer *Peer) handleReady(w http.ResponseWriter, r *http.Request) {
	healthy := peer.Table.HealthyCount()
	status := http.StatusOK
	if healthy == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]int{"healthy_retrievers": healthy})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeBody(w, body)
}

func writeBody(w io.Writer, body any) error {
	return json.NewEncoder(w).Encode(body)
}
