package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/invoice-tracker/internal/export"
	"github.com/zombor/invoice-tracker/internal/invoice"
	"github.com/zombor/invoice-tracker/internal/pipeline"
)

// formOverhead leaves room for multipart boundaries and headers
const formOverhead = 1 << 20

// progressResponse adds the completion fraction to pipeline progress
type progressResponse struct {
	pipeline.Progress
	Fraction float64 `json:"fraction"`
}

func newProgressResponse(p pipeline.Progress) progressResponse {
	return progressResponse{Progress: p, Fraction: p.Fraction()}
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps domain errors to status codes and writes a JSON error body
func writeError(w http.ResponseWriter, err error) {
	var (
		ingestErr *invoice.IngestionError
		stateErr  *invoice.InvalidStateError
		emptyErr  *invoice.EmptyExportError
	)

	code := http.StatusInternalServerError
	msg := "Internal server error"
	switch {
	case errors.As(err, &ingestErr):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &stateErr):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, pipeline.ErrRunInProgress):
		code, msg = http.StatusConflict, err.Error()
	case errors.As(err, &emptyErr):
		code, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, invoice.ErrNotFound):
		code, msg = http.StatusNotFound, "Not found"
	default:
		slog.Error("Request failed", "error", err)
	}

	writeJSON(w, code, map[string]string{"error": msg})
}

// handleListFiles returns every tracked file
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Files())
}

// handleGetFile returns a single file record
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.service.File(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// handleUploadFile queues a multipart upload
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadSize()+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "File is too large"
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file was selected. Please choose a file to upload."})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error reading file. Please try again."})
		return
	}

	file, err := s.service.Upload(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		slog.Warn("Rejected upload", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// handleDeleteFile removes a pending file
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveFile(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartBatch starts processing every pending file
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	// The batch outlives the request
	progress, err := s.service.StartBatch(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newProgressResponse(progress))
}

// handleProgress reports batch progress
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newProgressResponse(s.service.Progress()))
}

// handleCancelBatch stops dispatching new files
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	s.service.CancelBatch()
	w.WriteHeader(http.StatusNoContent)
}

// handleSearchInvoices filters invoices by ?q= and ?status=
func (s *Server) handleSearchInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.service.Search(q.Get("q"), q.Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleReport returns every analytics view
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Report()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSummary returns dashboard totals
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Report()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Summary)
}

// handleMonthly returns the monthly breakdown
func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Report()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Monthly)
}

// handleCategories returns the category breakdown
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Report()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Categories)
}

// handleExportCSV downloads processed invoices as CSV
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.ExportCSV()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(time.Now(), "csv")+`"`)
	io.WriteString(w, out)
}

// handleExportXLSX downloads processed invoices as a workbook
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.ExportXLSX()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(time.Now(), "xlsx")+`"`)
	w.Write(out)
}
