// Package directory is the optional HTTP front a deployment can run
// alongside its peers: relay registration for the UDP accelerant path,
// and a read-only view over the ledger's transfer history (spec.md §4.G
// query operations, exposed over HTTP instead of only the embedding
// API). It is grounded on the teacher's orchestrator.Service
// (net/http.ServeMux routes, RWMutex-guarded maps, writeJSON helper),
// repointed from session CRUD at relay bookkeeping plus ledger queries.
package directory

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/ledger"
	"github.com/deb2000-sudo/dropshift/internal/logging"
)

// RelayInfo describes a registered UDP relay available to peers that
// cannot reach each other directly.
type RelayInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Region   string    `json:"region,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Service is a minimal in-memory peer directory plus a read-only ledger
// query front.
type Service struct {
	mu     sync.RWMutex
	relays map[string]*RelayInfo
	led    *ledger.Ledger
	log    *logging.Logger
}

// NewService creates a directory service backed by led for history
// queries.
func NewService(led *ledger.Ledger) *Service {
	return &Service{
		relays: make(map[string]*RelayInfo),
		led:    led,
		log:    logging.New("").With("directory"),
	}
}

// RegisterRoutes registers HTTP handlers on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/relays/register", s.handleRelayRegister)
	mux.HandleFunc("/api/v1/relays", s.handleRelaysList)
	mux.HandleFunc("/api/v1/transfers/since", s.handleTransfersSince)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("write response: %v", err)
	}
}

// handleRelayRegister handles POST /api/v1/relays/register.
func (s *Service) handleRelayRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID      string `json:"id"`
		Address string `json:"address"`
		Region  string `json:"region,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Address == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	info := &RelayInfo{ID: req.ID, Address: req.Address, Region: req.Region, LastSeen: time.Now()}

	s.mu.Lock()
	s.relays[req.ID] = info
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, info)
}

// handleRelaysList handles GET /api/v1/relays.
func (s *Service) handleRelaysList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	out := make([]*RelayInfo, 0, len(s.relays))
	for _, v := range s.relays {
		out = append(out, v)
	}
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, out)
}

// handleTransfersSince handles GET /api/v1/transfers/since?seq=N, where N
// is a unix timestamp in seconds (records created after it are returned,
// despite the parameter's name), fronting ledger.TransfersSince for
// deployments that want history over
// HTTP rather than the embedding API (spec.md §4.G: "transfers_since(ts)
// returns all transfers ... with its full ordered state history").
func (s *Service) handleTransfersSince(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	seq, _ := strconv.ParseUint(r.URL.Query().Get("seq"), 10, 64)

	recs, err := s.led.TransfersSince(seq)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}
