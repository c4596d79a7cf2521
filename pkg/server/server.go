// Package server exposes the shared store over http and the event stream over websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/bilbo-22/familist/pkg/metrics"
	"github.com/bilbo-22/familist/pkg/model"
	"github.com/bilbo-22/familist/pkg/store"
)

const IdempotencyHeader = "Idempotency-Key"

type Server struct {
	store   *store.Store
	events  http.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New wires the api routes to st. events serves GET /api/events, normally a *hub.Hub.
func New(st *store.Store, events http.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, events: events, metrics: m, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.Methods(http.MethodGet).Path("/api/data").HandlerFunc(s.getData)
	r.Methods(http.MethodPost).Path("/api/lists").HandlerFunc(s.createList)
	r.Methods(http.MethodDelete).Path("/api/lists/{id}").HandlerFunc(s.deleteList)
	r.Methods(http.MethodPut).Path("/api/lists/{id}/items").HandlerFunc(s.reorderListItems)
	r.Methods(http.MethodPost).Path("/api/items").HandlerFunc(s.addItem)
	r.Methods(http.MethodPatch).Path("/api/items/{id}").HandlerFunc(s.toggleItem)
	r.Methods(http.MethodDelete).Path("/api/items/{id}").HandlerFunc(s.deleteItem)
	if s.events != nil {
		r.Methods(http.MethodGet).Path("/api/events").Handler(s.events)
	}
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		s.respondJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())

	return cors(r)
}

func (s *Server) instrument(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		route := request.URL.Path
		if cr := mux.CurrentRoute(request); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.Requests.WithLabelValues(request.Method, route, strconv.Itoa(m.Code)).Observe(m.Duration.Seconds())
		s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
	})
}

// cors allows any origin and answers preflight requests before routing.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		h := writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+IdempotencyHeader)
		if request.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func mutationContext(request *http.Request) context.Context {
	return store.WithIdempotencyKey(request.Context(), request.Header.Get(IdempotencyHeader))
}

func (s *Server) getData(writer http.ResponseWriter, _ *http.Request) {
	s.respondJSON(writer, http.StatusOK, s.store.Snapshot())
}

func (s *Server) createList(writer http.ResponseWriter, request *http.Request) {
	var list model.List
	if !s.decodeBody(writer, request, &list) {
		return
	}
	s.respondMutation(writer, s.store.CreateList(mutationContext(request), list))
}

func (s *Server) deleteList(writer http.ResponseWriter, request *http.Request) {
	s.respondMutation(writer, s.store.DeleteList(mutationContext(request), mux.Vars(request)["id"]))
}

func (s *Server) addItem(writer http.ResponseWriter, request *http.Request) {
	var item model.Item
	if !s.decodeBody(writer, request, &item) {
		return
	}
	s.respondMutation(writer, s.store.AddItem(mutationContext(request), item))
}

func (s *Server) toggleItem(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Completed bool `json:"completed"`
	}
	if !s.decodeBody(writer, request, &body) {
		return
	}
	s.respondMutation(writer, s.store.ToggleItem(mutationContext(request), mux.Vars(request)["id"], body.Completed))
}

func (s *Server) deleteItem(writer http.ResponseWriter, request *http.Request) {
	s.respondMutation(writer, s.store.DeleteItem(mutationContext(request), mux.Vars(request)["id"]))
}

func (s *Server) reorderListItems(writer http.ResponseWriter, request *http.Request) {
	var body struct {
		Items []model.Item `json:"items"`
	}
	if !s.decodeBody(writer, request, &body) {
		return
	}
	s.respondMutation(writer, s.store.ReorderListItems(mutationContext(request), mux.Vars(request)["id"], body.Items))
}

func (s *Server) respondMutation(writer http.ResponseWriter, err error) {
	switch {
	case err == nil:
		s.respondJSON(writer, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, store.ErrInvalidReorder):
		s.respondError(writer, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("failed to apply mutation", "err", err)
		s.respondError(writer, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) decodeBody(writer http.ResponseWriter, request *http.Request, into any) bool {
	if err := json.NewDecoder(request.Body).Decode(into); err != nil {
		s.respondError(writer, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) respondJSON(writer http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal response", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) respondError(writer http.ResponseWriter, status int, message string) {
	s.respondJSON(writer, status, map[string]string{"error": message})
}
