// Package httpapi is a thin HTTP+WebSocket adapter over the Scanner
// façade, grounded in the teacher's main.go gorilla/mux router and
// gorilla/websocket broadcast loop. It never reimplements core logic: every
// handler just calls into scanner.Scanner.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/anodyne74/diagcore/j2534"
	"github.com/anodyne74/diagcore/scanner"
	"github.com/anodyne74/diagcore/uds"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires a scanner.Scanner onto an HTTP router and broadcasts its
// event stream to subscribed WebSocket clients.
type Server struct {
	sc     *scanner.Scanner
	router *mux.Router

	clientsMux sync.Mutex
	clients    map[*websocket.Conn]bool
}

// NewServer builds a Server over sc. Call Start to begin broadcasting
// sc.Events() to connected clients.
func NewServer(sc *scanner.Scanner) *Server {
	s := &Server{sc: sc, clients: make(map[*websocket.Conn]bool)}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/scanners", s.handleDiscover).Methods(http.MethodGet)
	s.router.HandleFunc("/connections", s.handleConnect).Methods(http.MethodPost)
	s.router.HandleFunc("/connections/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	s.router.HandleFunc("/connections/{id}/session", s.handleSession).Methods(http.MethodPost)
	s.router.HandleFunc("/connections/{id}/send", s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc("/state", s.handleGlobalState).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleWebSocket)
	return s
}

// Router returns the underlying mux.Router for embedding in a larger server.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs the event-broadcast pump; call it once before ListenAndServe.
func (s *Server) Start() {
	go s.pumpEvents()
}

func (s *Server) pumpEvents() {
	for ev := range s.sc.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("httpapi: marshaling event: %v", err)
			continue
		}
		s.broadcast(payload)
	}
}

func (s *Server) broadcast(payload []byte) {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for client := range s.clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("httpapi: sending to client: %v", err)
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade: %v", err)
		return
	}
	s.clientsMux.Lock()
	s.clients[ws] = true
	s.clientsMux.Unlock()
	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, ws)
		s.clientsMux.Unlock()
		ws.Close()
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sc.Discover(r.Context()))
}

type connectRequest struct {
	ScannerID string `json:"scanner_id"`
	Protocol  string `json:"protocol"`
	SourceID  uint32 `json:"source_id"`
	TargetID  uint32 `json:"target_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proto, err := parseProtocol(req.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := s.sc.Connect(r.Context(), req.ScannerID, proto, req.SourceID, req.TargetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"connection_id": conn.ID()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sc.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionRequest struct {
	Type byte `json:"type"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, ok := s.sc.Connection(id)
	if !ok {
		writeError(w, http.StatusNotFound, errUnknownConnection(id))
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, warnings, err := conn.EnterSession(r.Context(), uds.SessionType(req.Type))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": resp, "warnings": warnings})
}

type sendRequest struct {
	ServiceID byte   `json:"service_id"`
	Args      []byte `json:"args"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, ok := s.sc.Connection(id)
	if !ok {
		writeError(w, http.StatusNotFound, errUnknownConnection(id))
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, warnings, err := conn.Send(r.Context(), uds.ServiceID(req.ServiceID), req.Args...)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": resp, "warnings": warnings})
}

func (s *Server) handleGlobalState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sc.GlobalState())
}

func parseProtocol(name string) (j2534.Protocol, error) {
	switch name {
	case "CAN":
		return j2534.ProtocolCAN, nil
	case "ISO15765":
		return j2534.ProtocolISO15765, nil
	case "ISO14230":
		return j2534.ProtocolISO14230, nil
	case "ISO9141":
		return j2534.ProtocolISO9141, nil
	case "J1850_VPW":
		return j2534.ProtocolJ1850VPW, nil
	case "J1850_PWM":
		return j2534.ProtocolJ1850PWM, nil
	default:
		return 0, errUnknownProtocol(name)
	}
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

func errUnknownConnection(id string) error {
	return &apiError{"httpapi: unknown connection " + strconv.Quote(id)}
}

func errUnknownProtocol(name string) error {
	return &apiError{"httpapi: unknown protocol " + strconv.Quote(name)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
