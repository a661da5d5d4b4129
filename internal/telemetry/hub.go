package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rjboer/GoMIMO/internal/logging"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Hub collects report history and fans out reports to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Report
	subscribers map[chan Report]struct{}
	config      Config
	logger      logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, defaultConfig())
	if err != nil {
		logger.Warn("invalid history limit, using default", logging.F("history_limit", historyLimit), logging.F("error", err))
		cfg = defaultConfig()
	}
	return &Hub{
		subscribers: make(map[chan Report]struct{}),
		config:      cfg,
		logger:      logger.With(logging.F("subsystem", "telemetry")),
	}
}

// Report implements Reporter and records a new capture report.
func (h *Hub) Report(r Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, r)
	h.trim()
	for ch := range h.subscribers {
		select {
		case ch <- r:
		default:
			h.logger.Debug("dropping report for slow subscriber", logging.F("cycle", r.Cycle))
		}
	}
}

// History returns a copy of stored reports.
func (h *Hub) History() []Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Report, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Report, func()) {
	ch := make(chan Report, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// trim drops the oldest reports beyond the limit. Callers hold mu.
func (h *Hub) trim() {
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.History()); err != nil {
		h.logger.Warn("encode history", logging.F("error", err))
	}
}

func (h *Hub) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.ConfigSnapshot())
	case http.MethodPost:
		var incoming Config
		if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
			http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		cfg, err := validateConfig(incoming, h.config)
		if err == nil {
			h.config = cfg
			h.trim()
		}
		h.mu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, rep := range h.History() {
		writeEvent(w, rep)
	}
	flusher.Flush()

	for {
		select {
		case rep, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, rep)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, rep Report) {
	payload, err := json.Marshal(rep)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
