package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"road-service/internal/export"
	"road-service/internal/log"
	"road-service/internal/models"
	"road-service/internal/session"
	"road-service/internal/store"
)

const maxBodyBytes = 8 << 20

type sampleRequest struct {
	TimestampMs *int64  `json:"timestamp_ms"`
	AX          float64 `json:"ax"`
	AY          float64 `json:"ay"`
	AZ          float64 `json:"az"`
}

type positionRequest struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	SpeedKmh    float64 `json:"speed_kmh"`
	TimestampMs int64   `json:"timestamp_ms"`
}

type evidenceRequest struct {
	PhotoReference string `json:"photo_reference"`
}

type annotationRequest struct {
	RoadName           *string `json:"road_name"`
	AdministrativeZone *string `json:"administrative_zone"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"version":        version,
		"session_active": s.sessions.Status().Active,
	})
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Start(r.Context())
	if errors.Is(err, session.ErrSessionActive) {
		respondError(w, r, http.StatusConflict, err)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respond(w, r, http.StatusCreated, st)
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.Stop(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		respondError(w, r, http.StatusConflict, err)
		return
	}
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err)
		return
	}
	respond(w, r, http.StatusOK, summary)
}

func (s *Server) currentSessionHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.sessions.Status())
}

// decodeSamples accepts a single sample object or an array of them.
func decodeSamples(body io.Reader) ([]sampleRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	if raw[0] == '[' {
		var batch []sampleRequest
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var one sampleRequest
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []sampleRequest{one}, nil
}

func (s *Server) ingestSamplesHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := decodeSamples(r.Body)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid samples: %w", err))
		return
	}

	// Every sample carries its device timestamp.
	for i, req := range batch {
		if req.TimestampMs == nil {
			respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid samples: sample %d has no timestamp_ms", i))
			return
		}
	}

	var resp ingestResponse
	for _, req := range batch {
		ts := time.UnixMilli(*req.TimestampMs).UTC()
		err := s.sessions.SubmitSample(models.SignalSample{Timestamp: ts, AX: req.AX, AY: req.AY, AZ: req.AZ})
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, session.ErrQueueFull):
			resp.Dropped++
		case errors.Is(err, session.ErrNoSession):
			respondError(w, r, http.StatusConflict, err)
			return
		default:
			respondError(w, r, http.StatusInternalServerError, err)
			return
		}
	}
	samplesIngested.Add(float64(resp.Accepted))

	if resp.Accepted == 0 && resp.Dropped > 0 {
		respondError(w, r, http.StatusServiceUnavailable, session.ErrQueueFull)
		return
	}
	respond(w, r, http.StatusAccepted, resp)
}

func (s *Server) updatePositionHandler(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid position: %w", err))
		return
	}

	fix := models.PositionFix{
		Position: models.Position{Latitude: req.Latitude, Longitude: req.Longitude},
		SpeedKmh: req.SpeedKmh,
	}
	if req.TimestampMs != 0 {
		fix.ReceivedAt = time.UnixMilli(req.TimestampMs).UTC()
	}

	if err := s.sessions.UpdatePosition(fix); err != nil {
		respondError(w, r, http.StatusBadRequest, err)
		return
	}
	respond(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) clearPositionHandler(w http.ResponseWriter, r *http.Request) {
	s.sessions.ClearPosition()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	events := s.sessions.Events()

	if t := r.URL.Query().Get("type"); t != "" {
		want := models.ParseCoarseType(t)
		filtered := events[:0]
		for _, ev := range events {
			if ev.CoarseType == want {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	respond(w, r, http.StatusOK, events)
}

func (s *Server) getEventHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.sessions.Event(mux.Vars(r)["id"])
	if err != nil {
		respondEventError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, ev)
}

func (s *Server) attachEvidenceHandler(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid evidence: %w", err))
		return
	}
	if req.PhotoReference == "" {
		respondError(w, r, http.StatusBadRequest, errors.New("photo_reference is required"))
		return
	}

	ev, err := s.sessions.AttachEvidence(mux.Vars(r)["id"], req.PhotoReference)
	if err != nil {
		respondEventError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, ev)
}

func (s *Server) annotateHandler(w http.ResponseWriter, r *http.Request) {
	var req annotationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Errorf("invalid annotation: %w", err))
		return
	}

	ev, err := s.sessions.Annotate(mux.Vars(r)["id"], req.RoadName, req.AdministrativeZone)
	if err != nil {
		respondEventError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, ev)
}

func respondEventError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrEventNotFound):
		respondError(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, session.ErrNoSession):
		respondError(w, r, http.StatusConflict, err)
		return
	}
	respondError(w, r, http.StatusInternalServerError, err)
}

func (s *Server) clustersHandler(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		respond(w, r, http.StatusOK, s.sessions.Recluster(r.Context()))
		return
	}
	respond(w, r, http.StatusOK, s.sessions.Clusters())
}

func (s *Server) worklistHandler(w http.ResponseWriter, r *http.Request) {
	worklist := s.sessions.Worklist()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(worklist) {
		worklist = worklist[:n]
	}
	respond(w, r, http.StatusOK, worklist)
}

func (s *Server) getAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		respondError(w, r, http.StatusNotFound, errors.New("analytics disabled"))
		return
	}
	respond(w, r, http.StatusOK, s.tracker.GetCurrentStats())
}

// getRecentHandler serves the latest events of this session, or with source=mirror the
// latest events kept by the mirror across sessions.
func (s *Server) getRecentHandler(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	if r.URL.Query().Get("source") == "mirror" {
		if s.mirror == nil {
			respondError(w, r, http.StatusNotFound, errors.New("mirror disabled"))
			return
		}
		events, err := s.mirror.GetRecentEvents(r.Context(), int64(limit))
		if err != nil {
			log.Warnw("failed to read mirrored events", "error", err)
			respondError(w, r, http.StatusBadGateway, err)
			return
		}
		respond(w, r, http.StatusOK, events)
		return
	}

	if s.tracker == nil {
		respondError(w, r, http.StatusNotFound, errors.New("analytics disabled"))
		return
	}
	respond(w, r, http.StatusOK, s.tracker.GetRecentEvents(limit))
}

func (s *Server) exportRecords() []models.Record {
	return export.Records(s.sessions.Events(), s.sessions.Clusters())
}

func (s *Server) exportCSVHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	if err := export.WriteCSV(w, s.exportRecords()); err != nil {
		log.Errorw("CSV export failed", "error", err)
	}
}

func (s *Server) exportGeoJSONHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Content-Disposition", `attachment; filename="events.geojson"`)
	if err := export.WriteGeoJSON(w, s.exportRecords()); err != nil {
		log.Errorw("GeoJSON export failed", "error", err)
	}
}
