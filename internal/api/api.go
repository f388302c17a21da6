// Package api serves the queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chrisdmacrae/romulator/internal/catalog"
	"github.com/chrisdmacrae/romulator/internal/queue"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxRequestBodySize = 1 << 20

// Queue is the queue surface the API exposes.
type Queue interface {
	Snapshot() room.Snapshot
	Enqueue(items []queue.NewItem) (queue.EnqueueResult, error)
	Retry(ctx context.Context, name string) error
	RetryAllFailed(ctx context.Context) (int, error)
	Cancel(name string) error
	Remove(name string) error
}

// Catalog lists a remote directory.
type Catalog interface {
	Scrape(ctx context.Context, url string) ([]catalog.Entry, error)
}

// API routes requests to the queue, the catalog and the event stream.
type API struct {
	Queue   Queue
	Catalog Catalog
	// Events serves the websocket notification channel at /ws.
	Events http.Handler
	// CatalogURL is scraped when /api/catalog has no url parameter.
	CatalogURL string
	Logger     zerolog.Logger
}

type enqueueRequest struct {
	Items []queue.NewItem `json:"items"`
}

type retryAllResponse struct {
	Retried int `json:"retried"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the routed handler with logging middleware.
func (api *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", api.health).Methods(http.MethodGet)

	q := r.PathPrefix("/api/queue").Subrouter()
	q.HandleFunc("", api.snapshot).Methods(http.MethodGet)
	q.HandleFunc("", api.enqueue).Methods(http.MethodPost)
	q.HandleFunc("/retry-failed", api.retryAll).Methods(http.MethodPost)
	q.HandleFunc("/{name}/retry", api.retry).Methods(http.MethodPost)
	q.HandleFunc("/{name}/cancel", api.cancel).Methods(http.MethodPost)
	q.HandleFunc("/{name}", api.remove).Methods(http.MethodDelete)

	r.HandleFunc("/api/catalog", api.catalog).Methods(http.MethodGet)
	if api.Events != nil {
		r.Handle("/ws", api.Events)
	}
	r.Use(cors)

	var h http.Handler = r
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	})(h)
	h = requestID(h)
	h = hlog.NewHandler(api.Logger)(h)
	return h
}

// Run serves the API on addr until ctx is done.
func (api *API) Run(ctx context.Context, addr string) error {
	server := http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			api.Logger.Error().Err(err).Msg("shutting down http server")
			if err := server.Close(); err != nil {
				api.Logger.Error().Err(err).Msg("force-closing http server")
			}
		}
	}()

	api.Logger.Info().Str("addr", addr).Msg("starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("running api server: %w", err)
	}
	return nil
}

func (api *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (api *API) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, api.Queue.Snapshot())
}

func (api *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("no items"))
		return
	}

	res, err := api.Queue.Enqueue(req.Items)
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, res)
}

func (api *API) retryAll(w http.ResponseWriter, r *http.Request) {
	n, err := api.Queue.RetryAllFailed(r.Context())
	if err != nil {
		writeQueueError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, retryAllResponse{Retried: n})
}

func (api *API) retry(w http.ResponseWriter, r *http.Request) {
	api.itemAction(w, r, func(name string) error {
		return api.Queue.Retry(r.Context(), name)
	})
}

func (api *API) cancel(w http.ResponseWriter, r *http.Request) {
	api.itemAction(w, r, api.Queue.Cancel)
}

func (api *API) remove(w http.ResponseWriter, r *http.Request) {
	api.itemAction(w, r, api.Queue.Remove)
}

func (api *API) itemAction(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	name := mux.Vars(r)["name"]
	hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("item", name)
	})
	if err := fn(name); err != nil {
		writeQueueError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) catalog(w http.ResponseWriter, r *http.Request) {
	if api.Catalog == nil {
		writeError(w, r, http.StatusNotFound, errors.New("catalog not configured"))
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		url = api.CatalogURL
	}
	if url == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	entries, err := api.Catalog.Scrape(r.Context(), url)
	if err != nil {
		writeError(w, r, http.StatusBadGateway, err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrInvalidItem):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrUnresolved):
		status = http.StatusBadGateway
	}
	writeError(w, r, status, err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	ev := hlog.FromRequest(r).Info()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("marshaling response")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("writing response body")
	}
}

// requestID tags each request with an id, reusing one sent by the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("req_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}
