package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ocppj_cp/internal/exchange"
)

// sendRequest is the body of /send.
type sendRequest struct {
	MsgType ocppj.MessageType `json:"msgType,omitempty"`
	ID      string            `json:"id,omitempty"`
	Action  string            `json:"action,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// completeRequest is the body of /complete.
type completeRequest struct {
	LocalID string          `json:"localId"`
	Payload json.RawMessage `json:"payload"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (cp *ChargePoint) controlHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	type endpoint struct {
		path    string
		handler http.HandlerFunc
	}
	endpoints := []endpoint{
		{
			path: "/list-db",
			handler: func(w http.ResponseWriter, r *http.Request) {
				items, err := cp.db.List(r.URL.Query().Get("prefix"), 0)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				t := table.NewWriter()
				t.SetOutputMirror(w)
				t.AppendHeader(table.Row{"Key", "Value", "LTT"})
				for _, item := range items {
					t.AppendRow(table.Row{item.Key, item.Value, item.ExpiresAt})
				}
				t.Render()
			},
		},
		{
			path: "/send",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				var body sendRequest
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				receipt, err := cp.engine.SendOutbound(exchange.Request{
					Type:    body.MsgType,
					ID:      body.ID,
					Action:  body.Action,
					Payload: body.Payload,
				})
				switch {
				case errors.Is(err, exchange.ErrNotConnected):
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				case errors.Is(err, exchange.ErrMissingAction),
					errors.Is(err, exchange.ErrMissingPayload),
					errors.Is(err, exchange.ErrUnsupportedKind):
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				case err != nil:
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, sendResponse{ID: receipt.ID, Action: receipt.Action, Status: receipt.Status.String()})
			},
		},
		{
			path: "/complete",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
					return
				}
				var body completeRequest
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				status, err := cp.engine.CompleteInboundCall(body.LocalID, body.Payload)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, sendResponse{ID: body.LocalID, Status: status.String()})
			},
		},
		{
			path: "/pending",
			handler: func(w http.ResponseWriter, r *http.Request) {
				t := table.NewWriter()
				t.SetOutputMirror(w)
				t.SetTitle("Inbound calls awaiting a result")
				t.AppendHeader(table.Row{"Local ID", "Wire ID", "Action", "Expires In"})
				now := time.Now()
				for _, p := range cp.engine.Pending() {
					t.AppendRow(table.Row{p.LocalID, p.WireID, p.Action, p.ExpiresAt.Sub(now).Round(time.Second)})
				}
				t.Render()

				t = table.NewWriter()
				t.SetOutputMirror(w)
				t.SetTitle("Outbound calls awaiting a reply")
				t.AppendHeader(table.Row{"ID", "Action", "Sent At"})
				for _, rec := range cp.engine.Outstanding() {
					t.AppendRow(table.Row{rec.ID, rec.Action, rec.SentAt.Format(time.RFC3339)})
				}
				t.Render()
			},
		},
		{
			path: "/audit",
			handler: func(w http.ResponseWriter, r *http.Request) {
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				if limit <= 0 {
					limit = 50
				}
				entries, err := cp.journal.Entries(limit)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				t := table.NewWriter()
				t.SetOutputMirror(w)
				t.AppendHeader(table.Row{"Time", "Node", "Type", "Data"})
				for _, e := range entries {
					t.AppendRow(table.Row{e.Time.Format(time.RFC3339), e.Node, e.Direction, e.Data})
				}
				t.Render()
			},
		},
		{
			path:    "/metrics",
			handler: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP,
		},
		{
			path: "/preparing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if !cp.IsConnected() {
					http.Error(w, "Charge Point not connected", http.StatusBadRequest)
					return
				}
				connectorId, _ := strconv.Atoi(r.URL.Query().Get("connectorId"))
				if err := cp.statusNotification(core.ChargePointStatusPreparing, connectorId); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				cp.log.Infoln("Status changed to", core.ChargePointStatusPreparing, "for connector", connectorId)
				w.WriteHeader(http.StatusNoContent)
			},
		},
		{
			path: "/start",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if err := cp.Start(context.Background()); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Write([]byte("Charge Point started"))
			},
		},
		{
			path: "/stop",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if err := cp.Stop(); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Write([]byte("Charge Point stopped"))
			},
		},
		{
			path: "/reboot",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if err := cp.Reboot(context.Background()); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Write([]byte("Charge Point rebooted"))
			},
		},
	}
	endpoints = append(endpoints, endpoint{
		path: "/list",
		handler: func(w http.ResponseWriter, r *http.Request) {
			value := "Available endpoints:\n"
			for _, v := range endpoints {
				value += fmt.Sprintf("\t%s\n", v.path)
			}
			value += "Supported actions:\n"
			for _, action := range cp.actions {
				value += fmt.Sprintf("\t%s\n", action)
			}
			w.Write([]byte(value))
		},
	})

	for _, e := range endpoints {
		mux.HandleFunc(e.path, e.handler)
	}
	return mux
}

func startHttpServer(controlPort string, handler http.Handler) (*http.Server, string, error) {
	if controlPort == "" {
		controlPort = "0"
	}

	listener, err := net.Listen("tcp", ":"+controlPort)
	if err != nil {
		return nil, "", fmt.Errorf("starting control server: %w", err)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go server.Serve(listener)

	return server, listener.Addr().String(), nil
}
