package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/mirror"
)

func (s *Server) api(r *mux.Router) {
	api := r.PathPrefix("/api/").Subrouter()
	api.Use(AccessLogMiddleware, RequestSizeLimitMiddleware(SyncRequestMaxBodySize))
	api.HandleFunc("/health", s.HealthHandler).Methods("GET")
	api.HandleFunc("/sync", s.DoSyncHandler).Methods("POST")
	api.HandleFunc("/runs", s.ListRunsHandler).Methods("GET").Queries("page", "{page}")
	api.HandleFunc("/runs", s.ListRunsHandler).Methods("GET")
	api.HandleFunc("/runs/{run_id}", s.GetRunHandler).Methods("GET")
	api.HandleFunc("/containers", s.ListContainersHandler).Methods("GET")
	api.HandleFunc("/items", s.ListItemsHandler).Methods("GET").Queries("container", "{container}", "page", "{page}")
	api.HandleFunc("/items", s.ListItemsHandler).Methods("GET").Queries("container", "{container}")
	api.HandleFunc("/accounts", s.GetAccountsHandler).Methods("GET")
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	active, quarantined, err := s.store.CountItems(r.Context())
	if err != nil {
		slog.Error("Failed to count items", "error", err)
		writeJSONResponse(w, HealthResponse{OK: false, Syncing: s.busy.Load()}, http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, HealthResponse{OK: true, Syncing: s.busy.Load(), ActiveItems: active, QuarantinedItems: quarantined}, http.StatusOK)
}

// DoSyncHandler starts a background sync. It answers once the run has been
// recorded, or with the final result if the run ends before that.
func (s *Server) DoSyncHandler(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if handleMaxBytesError(w, r, err, SyncRequestMaxBodySize) {
			return
		}
		slog.Error("Failed to decode sync request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "SYNC_RUNNING", "A sync is already running", nil)
		return
	}
	slog.Info("Received sync request", "client_key", req.ClientKey, "dry_run", req.DryRun)

	started := make(chan string, 1)
	done := make(chan *mirror.Result, 1)
	publish := s.hub.Publisher(req.ClientKey)
	go func() {
		defer s.busy.Store(false)
		res, err := s.sync(s.ctx, req, func(p mirror.Progress) {
			select {
			case started <- p.RunID:
			default:
			}
			publish(p)
		})
		if err != nil {
			slog.Error("Failed to run sync", "client_key", req.ClientKey, "error", err)
			res = &mirror.Result{Outcome: mirror.Failed, Message: err.Error()}
		}
		done <- res
	}()

	timer := time.NewTimer(s.startWait)
	defer timer.Stop()
	select {
	case runID := <-started:
		writeJSONResponse(w, DoSyncResponse{RunID: runID, Status: string(db.RunRunning)}, http.StatusAccepted)
	case res := <-done:
		status := http.StatusOK
		if res.Outcome == mirror.Failed {
			status = http.StatusBadGateway
		}
		writeJSONResponse(w, DoSyncResponse{RunID: res.RunID, Status: string(res.Outcome), Result: res}, status)
	case <-timer.C:
		writeJSONResponse(w, DoSyncResponse{Status: string(db.RunRunning)}, http.StatusAccepted)
	}
}

func (s *Server) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	pageNo := getPageNumber(mux.Vars(r))
	runs, total, err := s.store.ListRuns(r.Context(), pageNo)
	if err != nil {
		slog.Error("Failed to get runs from database", "page", pageNo, "error", err)
		http.Error(w, "Failed to retrieve runs", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, RunsResponse{PageInfo: PaginationInfo{Page: pageNo, Size: total}, Runs: runs}, http.StatusOK)
}

func (s *Server) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		slog.Error("Failed to get run from database", "run_id", runID, "error", err)
		http.Error(w, "Failed to retrieve run", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, run, http.StatusOK)
}

func (s *Server) ListContainersHandler(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		slog.Error("Failed to get containers from database", "error", err)
		http.Error(w, "Failed to retrieve folders", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, containers, http.StatusOK)
}

func (s *Server) ListItemsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pageNo := getPageNumber(vars)
	container := vars["container"]
	items, total, err := s.store.ListItemsByContainer(r.Context(), container, pageNo)
	if err != nil {
		slog.Error("Failed to get items from database", "container", container, "page", pageNo, "error", err)
		http.Error(w, "Failed to retrieve items", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, ItemsResponse{PageInfo: PaginationInfo{Page: pageNo, Size: total}, Items: items}, http.StatusOK)
}

func (s *Server) GetAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		slog.Error("Failed to get accounts from database", "error", err)
		http.Error(w, "Failed to retrieve accounts", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, accounts, http.StatusOK)
}

func getIntFromMap(vars map[string]string, field string) (int, bool) {
	value, present := vars[field]
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getPageNumber(vars map[string]string) int {
	page, present := getIntFromMap(vars, "page")
	if !present || page < 1 {
		return 1
	}
	return page
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	serializedBody, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)

	if _, err := w.Write(serializedBody); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

type PaginationInfo struct {
	Size int `json:"size"`
	Page int `json:"page"`
}

type HealthResponse struct {
	OK               bool `json:"ok"`
	Syncing          bool `json:"syncing"`
	ActiveItems      int  `json:"active_items"`
	QuarantinedItems int  `json:"quarantined_items"`
}

type DoSyncResponse struct {
	RunID  string         `json:"run_id,omitempty"`
	Status string         `json:"status"`
	Result *mirror.Result `json:"result,omitempty"`
}

type RunsResponse struct {
	PageInfo PaginationInfo `json:"pagination_info"`
	Runs     []db.Run       `json:"runs"`
}

type ItemsResponse struct {
	PageInfo PaginationInfo `json:"pagination_info"`
	Items    []db.Item      `json:"items"`
}
