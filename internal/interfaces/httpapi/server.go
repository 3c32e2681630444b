package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"tokenrelay/internal/application"
	"tokenrelay/internal/domain"
)

type JournalStore interface {
	application.JournalReader
	Ping(ctx context.Context) error
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type Server struct {
	settings  map[string]any
	journal   JournalStore
	metrics   *Metrics
	buildInfo BuildInfo
}

// NewServer builds the status API. settings is the non-secret configuration
// served on /config.
func NewServer(settings map[string]any, journal JournalStore, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if journal == nil {
		return nil, errors.New("http server journal must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{settings: settings, journal: journal, metrics: metrics, buildInfo: buildInfo}, nil
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /migrations", s.handleHistory)
	mux.HandleFunc("GET /migrations/pending", s.handlePending)
	mux.HandleFunc("GET /migrations/{runID}", s.handleRun)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.journal.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "journal not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.settings)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.journal.History(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	respondJSON(w, http.StatusOK, entryViews(entries))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.Incomplete(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	respondJSON(w, http.StatusOK, entryViews(entries))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	entries, err := s.journal.Run(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal query failed")
		return
	}
	if len(entries) == 0 {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	last := entries[len(entries)-1]
	respondJSON(w, http.StatusOK, map[string]any{
		"run_id":       runID,
		"phase":        last.Phase,
		"terminal":     last.Status == domain.EntryTerminal,
		"acknowledged": last.Status == domain.EntryAcknowledged,
		"entries":      entryViews(entries),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	lag := uint64(0)
	if snap.LastProcessed > 0 && snap.LatestBlock >= snap.LastProcessed {
		lag = snap.LatestBlock - snap.LastProcessed
	}

	fmt.Fprintf(w, "tokenrelay_uptime_seconds %.0f\n", time.Since(snap.StartTime).Seconds())
	fmt.Fprintf(w, "tokenrelay_events_received_total %d\n", snap.EventsReceived)
	fmt.Fprintf(w, "tokenrelay_events_rejected_total %d\n", snap.EventsRejected)
	fmt.Fprintf(w, "tokenrelay_runs_started_total %d\n", snap.RunsStarted)
	fmt.Fprintf(w, "tokenrelay_runs_in_flight %d\n", snap.RunsInFlight)
	for _, phase := range sortedKeys(snap.Outcomes) {
		fmt.Fprintf(w, "tokenrelay_outcomes_total{phase=%q} %d\n", phase, snap.Outcomes[phase])
	}
	for _, key := range sortedKeys(snap.StepFailures) {
		step, kind := splitFailureKey(key)
		fmt.Fprintf(w, "tokenrelay_step_failures_total{step=%q,kind=%q} %d\n", step, kind, snap.StepFailures[key])
	}
	fmt.Fprintf(w, "tokenrelay_watcher_latest_block %d\n", snap.LatestBlock)
	fmt.Fprintf(w, "tokenrelay_watcher_last_processed_block %d\n", snap.LastProcessed)
	fmt.Fprintf(w, "tokenrelay_watcher_block_lag %d\n", lag)
	fmt.Fprintf(w, "tokenrelay_watcher_locks_total %d\n", snap.LocksSeen)
	fmt.Fprintf(w, "tokenrelay_kafka_messages_total %d\n", snap.KafkaMessages)
	fmt.Fprintf(w, "tokenrelay_kafka_decode_errors_total %d\n", snap.KafkaDecodeErrs)
	fmt.Fprintf(w, "tokenrelay_kafka_commit_errors_total %d\n", snap.KafkaCommitErrs)
	fmt.Fprintf(w, "tokenrelay_kafka_fetch_errors_total %d\n", snap.KafkaFetchErrs)
	fmt.Fprintf(w, "tokenrelay_kafka_last_offset %d\n", snap.KafkaLastOffset)
	fmt.Fprintf(w, "tokenrelay_kafka_max_lag_seconds %.3f\n", snap.KafkaMaxLag.Seconds())
	for _, topic := range sortedKeys(snap.KafkaTopicCount) {
		fmt.Fprintf(w, "tokenrelay_kafka_topic_messages_total{topic=%q} %d\n", topic, snap.KafkaTopicCount[topic])
	}
}

type entryView struct {
	RunID              string    `json:"run_id"`
	Instance           string    `json:"instance,omitempty"`
	RequestID          string    `json:"request_id"`
	SourceAccount      string    `json:"source_account"`
	DestinationAccount string    `json:"destination_account"`
	Amount             uint64    `json:"amount"`
	Step               string    `json:"step,omitempty"`
	Status             string    `json:"status"`
	Phase              string    `json:"phase"`
	Tx                 string    `json:"tx,omitempty"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	Error              string    `json:"error,omitempty"`
	RecordedAt         time.Time `json:"recorded_at"`
}

func entryViews(entries []domain.JournalEntry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, entryView{
			RunID:              entry.RunID,
			Instance:           entry.Instance,
			RequestID:          entry.RequestID,
			SourceAccount:      entry.SourceAccount,
			DestinationAccount: entry.DestinationAccount,
			Amount:             entry.Amount,
			Step:               string(entry.Step),
			Status:             string(entry.Status),
			Phase:              string(entry.Phase),
			Tx:                 string(entry.TxRef),
			ErrorKind:          string(entry.ErrorKind),
			Error:              entry.Error,
			RecordedAt:         entry.RecordedAt,
		})
	}
	return views
}

func parseLimit(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, errors.New("invalid limit")
		}
		return value, nil
	}
	return 100, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func splitFailureKey(key string) (string, string) {
	step, kind, _ := strings.Cut(key, "/")
	return step, kind
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
