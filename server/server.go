// Package server implements the external collaborators of the sync core:
// the write API returning {txid, row} per mutation, the shape-log service
// the change feed replays from, and the thin proxy in front of it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/model"
	"github.com/shapesync/shapesync/utils"
)

const (
	shapeReadLimit = 512
	livePollWindow = 25 * time.Second
)

type Options struct {
	Addr    string
	DataDir string
	// ShapeUpstream is the log service URL the /api/{table} route proxies
	// to. Defaults to this server's own /v1/shape.
	ShapeUpstream string
	Log           utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Addr == "" {
		o.Addr = ":4000"
	}
	if o.DataDir == "" {
		o.DataDir = "shapesync-data"
	}
}

type Server struct {
	opts     Options
	store    *Store
	clog     *ChangeLog
	relay    *Relay
	registry *prometheus.Registry
	router   chi.Router
	log      utils.Logger
	proxy    *http.Client
}

func New(opts Options) (*Server, error) {
	opts.SetDefaults()
	store, err := OpenStore(filepath.Join(opts.DataDir, "rows.db"), opts.Log)
	if err != nil {
		return nil, err
	}
	clog, err := OpenChangeLog(filepath.Join(opts.DataDir, "changelog"), opts.Log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(NewChangeLogCollector(clog)); err != nil {
		_ = store.Close()
		_ = clog.Close()
		return nil, err
	}

	s := &Server{
		opts:     opts,
		store:    store,
		clog:     clog,
		relay:    NewRelay(store, clog, opts.Log),
		registry: registry,
		log:      opts.Log,
		proxy:    &http.Client{},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Close() error {
	err := s.store.Close()
	if cerr := s.clog.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP and drives the outbox relay until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	go func() { _ = s.relay.Run(ctx) }()

	srv := &http.Server{Addr: s.opts.Addr, Handler: s.router}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	s.log.Info("server: listening", "addr", s.opts.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunRelay drives only the outbox relay; used when the handler is mounted
// on an external listener (tests).
func (s *Server) RunRelay(ctx context.Context) { _ = s.relay.Run(ctx) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Get("/v1/shape", s.handleShape)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/{table}", s.handleShapeProxy)
		r.Post("/{table}", s.handleCreate)
		r.Put("/{table}/{id}", s.handleUpdate)
		r.Delete("/{table}/{id}", s.handleDelete)
	})
	return r
}

type ctxKey int

const userKey ctxKey = 1

// requireUser reads the authenticated principal. Real authentication is out
// of scope; the header stands in for a session.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-User-Id")
		if user == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-Id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func callerID(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// writeResult is the write API's answer: the committing txid and the row as
// committed.
type writeResult struct {
	Txid string `json:"txid"`
	Row  any    `json:"row"`
}

func (s *Server) writeMutationError(w http.ResponseWriter, err error) {
	var fields FieldErrors
	switch {
	case errors.Is(err, ErrRowNotFound):
		writeError(w, http.StatusNotFound, "row not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "not permitted")
	case errors.Is(err, ErrTableUnknown):
		writeError(w, http.StatusNotFound, "unknown table")
	case errors.As(err, &fields):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": fields})
	default:
		s.log.Error("server: write failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	switch chi.URLParam(r, "table") {
	case model.TableTodos:
		var t model.Todo
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		txid, row, err := s.store.CreateTodo(r.Context(), caller, t)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	case model.TableProjects:
		var p model.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		txid, row, err := s.store.CreateProject(r.Context(), caller, p)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	default:
		s.writeMutationError(w, ErrTableUnknown)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	id := chi.URLParam(r, "id")
	switch chi.URLParam(r, "table") {
	case model.TableTodos:
		var patch TodoPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		txid, row, err := s.store.UpdateTodo(r.Context(), caller, id, patch)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	case model.TableProjects:
		var patch ProjectPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		txid, row, err := s.store.UpdateProject(r.Context(), caller, id, patch)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	default:
		s.writeMutationError(w, ErrTableUnknown)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	id := chi.URLParam(r, "id")
	switch chi.URLParam(r, "table") {
	case model.TableTodos:
		txid, row, err := s.store.DeleteTodo(r.Context(), caller, id)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	case model.TableProjects:
		txid, row, err := s.store.DeleteProject(r.Context(), caller, id)
		if err != nil {
			s.writeMutationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, writeResult{Txid: txid, Row: row})
	default:
		s.writeMutationError(w, ErrTableUnknown)
	}
}

// handleShape serves the shape log: events for one table from a given
// offset. In live mode an empty read long-polls for the next append. The
// resume cursor travels in response headers.
func (s *Server) handleShape(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := q.Get("table")
	if table == "" {
		writeError(w, http.StatusBadRequest, "missing table")
		return
	}
	offset, err := ParseOffset(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad offset")
		return
	}
	handle := s.clog.Handle(table)
	if h := q.Get("handle"); h != "" && h != handle {
		w.Header().Set(HandleHeader, handle)
		writeError(w, http.StatusConflict, "shape handle rotated, refetch from scratch")
		return
	}
	live := q.Get("live") == "true"

	events, next, err := s.clog.ReadFrom(table, offset, shapeReadLimit)
	if err != nil {
		s.log.Error("server: shape read failed", "table", table, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(events) == 0 && live {
		id, wake := s.clog.Subscribe()
		defer s.clog.Unsubscribe(id)
		select {
		case <-wake:
			events, next, err = s.clog.ReadFrom(table, next, shapeReadLimit)
			if err != nil {
				s.log.Error("server: shape read failed", "table", table, "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		case <-time.After(livePollWindow):
		case <-r.Context().Done():
			return
		}
	}

	caughtUp := next >= s.clog.Len()
	if caughtUp {
		events = append(events, shapesync.Event{
			Op:      shapesync.OpControl,
			Control: shapesync.ControlUpToDate,
			Offset:  FormatOffset(next),
		})
	}

	w.Header().Set(OffsetHeader, FormatOffset(next))
	w.Header().Set(HandleHeader, handle)
	if cursor := q.Get("cursor"); cursor != "" {
		w.Header().Set(CursorHeader, cursor)
	}
	writeJSON(w, http.StatusOK, events)
}

// Response headers carrying the shape cursor; mirrored by the feed client.
const (
	OffsetHeader = "Shape-Offset"
	HandleHeader = "Shape-Handle"
	CursorHeader = "Shape-Cursor"
)

// shapeParams are the only query parameters relayed upstream by the proxy.
var shapeParams = []string{"live", "table", "handle", "offset", "cursor"}

// handleShapeProxy relays /api/{table} to the shape log service, keeping
// only the whitelisted parameters and stripping the content-coding headers
// so downstream decoding is not double-applied.
func (s *Server) handleShapeProxy(w http.ResponseWriter, r *http.Request) {
	upstream := s.opts.ShapeUpstream
	if upstream == "" {
		upstream = "http://127.0.0.1" + s.opts.Addr + "/v1/shape"
	}
	target, err := url.Parse(upstream)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad upstream")
		return
	}
	q := url.Values{}
	for _, k := range shapeParams {
		if v := r.URL.Query().Get(k); v != "" {
			q.Set(k, v)
		}
	}
	if q.Get("table") == "" {
		q.Set("table", chi.URLParam(r, "table"))
	}
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad upstream request")
		return
	}
	resp, err := s.proxy.Do(req)
	if err != nil {
		s.log.Error("server: shape proxy failed", "err", err)
		writeError(w, http.StatusBadGateway, "shape upstream unreachable")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
