// Package web serves the alignment dashboard: JSON endpoints over the run
// ledger and a websocket that pushes job progress as it happens.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"volalign/internal/pipeline"
	"volalign/internal/storage"
)

// ResultSource delivers job results as they complete. *pipeline.Pipeline
// satisfies it.
type ResultSource interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// Server is the HTTP dashboard.
type Server struct {
	addr     string
	log      *slog.Logger
	store    *storage.Store
	source   ResultSource
	upgrader websocket.Upgrader
	hub      *hub
}

// hub fans broadcast messages out to connected websocket clients.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// progressEvent is the websocket payload for one finished job.
type progressEvent struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Time   time.Time      `json:"time"`
}

// NewServer builds a dashboard bound to addr. source may be nil, in which
// case the websocket carries no live events.
func NewServer(addr string, logger *slog.Logger, store *storage.Store, source ResultSource) *Server {
	return &Server{
		addr:   addr,
		log:    logger,
		store:  store,
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: &hub{
			clients:    make(map[*websocket.Conn]bool),
			broadcast:  make(chan []byte, 16),
			register:   make(chan *websocket.Conn),
			unregister: make(chan *websocket.Conn),
		},
	}
}

// Router exposes the route table, also used directly by tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/api/blocks/{fingerprint}", s.handleBlocks).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	if s.source != nil {
		go s.feed(ctx)
	}

	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("dashboard listening", "addr", s.addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// feed relays pipeline results to websocket clients.
func (s *Server) feed(ctx context.Context) {
	results, unsub := s.source.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			ev := progressEvent{
				JobID:  res.Job.ID,
				Type:   string(res.Job.Type),
				Status: "completed",
				Meta:   res.Meta,
				Time:   time.Now(),
			}
			if res.Error != nil {
				ev.Status = "failed"
				ev.Error = res.Error.Error()
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			default:
				s.log.Warn("progress broadcast dropped", "job", res.Job.ID)
			}
		}
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	runs, err := s.store.RecentRuns(500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, run := range runs {
		if run.ID == id {
			writeJSON(w, run)
			return
		}
	}
	http.Error(w, "run not found", http.StatusNotFound)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]
	done, err := s.store.CompletedBlocks(fingerprint)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	blocks := make([]int, 0, len(done))
	for idx := range done {
		blocks = append(blocks, idx)
	}
	sort.Ints(blocks)
	writeJSON(w, map[string]any{
		"fingerprint": fingerprint,
		"completed":   blocks,
		"count":       len(blocks),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>volalign runs</title>
<style>
body { font-family: monospace; background: #0f172a; color: #f8fafc; margin: 2rem; }
h1 { color: #3b82f6; }
table { border-collapse: collapse; width: 100%; }
th, td { border-bottom: 1px solid #475569; padding: 0.4rem 0.8rem; text-align: left; }
.completed { color: #10b981; }
.failed { color: #ef4444; }
.running { color: #f59e0b; }
#live { margin-top: 1.5rem; }
</style>
</head>
<body>
<h1>volalign runs</h1>
<table>
<thead><tr><th>id</th><th>kind</th><th>status</th><th>output</th><th>created</th></tr></thead>
<tbody id="runs"></tbody>
</table>
<div id="live"><h1>live</h1><ul id="events"></ul></div>
<script>
async function refresh() {
  const res = await fetch('/api/runs?limit=50');
  const runs = await res.json();
  const body = document.getElementById('runs');
  body.innerHTML = '';
  (runs || []).forEach(r => {
    const tr = document.createElement('tr');
    tr.innerHTML = '<td>' + r.ID + '</td><td>' + r.Kind +
      '</td><td class="' + r.Status + '">' + r.Status +
      '</td><td>' + (r.OutputPath || '') + '</td><td>' + r.CreatedAt + '</td>';
    body.appendChild(tr);
  });
}
function connect() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/ws');
  ws.onmessage = ev => {
    const e = JSON.parse(ev.data);
    const li = document.createElement('li');
    li.className = e.status;
    li.textContent = e.time + ' ' + e.type + ' ' + e.job_id + ' ' + e.status +
      (e.error ? ': ' + e.error : '');
    document.getElementById('events').prepend(li);
    refresh();
  };
  ws.onclose = () => setTimeout(connect, 3000);
}
refresh();
setInterval(refresh, 5000);
connect();
</script>
</body>
</html>`
