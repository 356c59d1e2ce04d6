// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the supervisor's read-only introspection
// surface (spec §4.11, component K): a handful of GET-only routes
// exposing service state, logs, the event history, runlevel, and
// conditions. All mutation goes through the control socket
// (internal/control) per spec.md's authorization model — this surface
// never changes anything. Grounded on internal/api/router.go's
// route-registration style and
// internal/api/handlers's WriteJSON/WriteError response helpers, trimmed
// from dozens of mutating routes to a read-only status surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hongkongkiwi/servisor/internal/cond"
	"github.com/hongkongkiwi/servisor/internal/events"
	"github.com/hongkongkiwi/servisor/internal/service"
)

// ServiceView is the subset of *service.Supervisor the HTTP surface reads.
type ServiceView interface {
	List() []service.Info
	Get(ident string) (service.Info, bool)
	Logs(ident string, n int) ([]string, bool)
	StreamLogs(ident string) (<-chan service.LogLine, func(), bool)
}

// RunlevelView is the subset of *runlevel.Manager the HTTP surface reads.
type RunlevelView interface {
	Current() int
	State() string
}

// Dependencies holds everything the router needs to serve requests.
type Dependencies struct {
	Services   ServiceView
	Conditions *cond.Store
	Events     events.EventBus
	Runlevel   RunlevelView
}

// NewRouter builds the introspection HTTP router.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging)
	r.Use(Recovery)

	r.HandleFunc("/services", servicesList(deps)).Methods(http.MethodGet)
	r.HandleFunc("/services/{ident}", serviceGet(deps)).Methods(http.MethodGet)
	r.HandleFunc("/services/{ident}/logs", serviceLogs(deps)).Methods(http.MethodGet)
	r.HandleFunc("/services/{ident}/logs/stream", serviceLogsStream(deps)).Methods(http.MethodGet)
	r.HandleFunc("/events", eventsHistory(deps)).Methods(http.MethodGet)
	r.HandleFunc("/runlevel", runlevelGet(deps)).Methods(http.MethodGet)
	r.HandleFunc("/conditions", conditionsList(deps)).Methods(http.MethodGet)

	return r
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Introspection is a read-only, same-host surface; any origin may tail it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serviceLogsStream upgrades to a websocket and follows ident's live log
// buffer, one line per frame, until the client disconnects or the
// service's buffer is replaced (process restart). This is the one
// long-lived connection on an otherwise request/response surface — it
// still never writes to supervisor state, so it does not violate the
// router's read-only contract.
func serviceLogsStream(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := mux.Vars(r)["ident"]
		sub, cancel, ok := deps.Services.StreamLogs(ident)
		if !ok {
			WriteError(w, http.StatusNotFound, ErrNotFound, "no such service: "+ident)
			return
		}
		defer cancel()

		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-done:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case line, ok := <-sub:
				if !ok {
					return
				}
				raw, err := json.Marshal(line)
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			}
		}
	}
}

func servicesList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, deps.Services.List())
	}
}

func serviceGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := mux.Vars(r)["ident"]
		info, ok := deps.Services.Get(ident)
		if !ok {
			WriteError(w, http.StatusNotFound, ErrNotFound, "no such service: "+ident)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func serviceLogs(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := mux.Vars(r)["ident"]
		n := 100
		if raw := r.URL.Query().Get("n"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				n = v
			}
		}
		lines, ok := deps.Services.Logs(ident, n)
		if !ok {
			WriteError(w, http.StatusNotFound, ErrNotFound, "no such service: "+ident)
			return
		}
		WriteJSON(w, http.StatusOK, lines)
	}
}

func eventsHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Events == nil {
			WriteJSON(w, http.StatusOK, []events.Event{})
			return
		}
		filter := events.EventFilter{Service: r.URL.Query().Get("service")}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				filter.Limit = v
			}
		}
		history, err := deps.Events.History(filter)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, ErrInternalError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, history)
	}
}

func runlevelGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Runlevel == nil {
			WriteError(w, http.StatusInternalServerError, ErrInternalError, "runlevel manager not wired")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"runlevel": deps.Runlevel.Current(),
			"state":    deps.Runlevel.State(),
		})
	}
}

func conditionsList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Conditions == nil {
			WriteJSON(w, http.StatusOK, []string{})
			return
		}
		WriteJSON(w, http.StatusOK, deps.Conditions.List())
	}
}
