package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

// IndexSummary describes one index in list responses.
type IndexSummary struct {
	Path          string   `json:"path"`
	Key           string   `json:"key"`
	Type          string   `json:"type"`
	Include       []string `json:"include,omitempty"`
	CaseSensitive bool     `json:"case_sensitive"`
	FileName      string   `json:"file_name"`
}

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Path  string `json:"path"`
	Key   string `json:"key"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// QueryResponse carries the matches of a query.
type QueryResponse struct {
	Count   int           `json:"count"`
	Results []QueryResult `json:"results"`
}

// QueryResult is one match.
type QueryResult struct {
	Key      string         `json:"key"`
	Path     string         `json:"path"`
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	indexes := s.manager.List()
	out := make([]IndexSummary, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, IndexSummary{
			Path:     idx.Path(),
			Key:      idx.Key(),
			Type:     idx.Type(),
			FileName: idx.FileName(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	idx := s.manager.Find(req.Path, req.Key)
	if idx == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no such index"})
		return
	}
	results, err := idx.Query(r.Context(), req.Op, req.Value, nil)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	resp := QueryResponse{Count: len(results)}
	for _, qr := range results {
		resp.Results = append(resp.Results, QueryResult{
			Key:      qr.Key,
			Path:     qr.Path,
			Value:    qr.Value,
			Metadata: qr.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
