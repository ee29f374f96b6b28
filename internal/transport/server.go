package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Overworldai/Biome/internal/errs"
	"github.com/Overworldai/Biome/internal/imageutil"
	"github.com/Overworldai/Biome/internal/safety"
	"github.com/Overworldai/Biome/internal/seedcache"
)

// HealthSource reports the subset of engine/safety state the health
// endpoint surfaces.
type HealthSource interface {
	EngineLoaded() bool
	EngineWarmedUp() bool
	EngineHasSeed() bool
	SafetyLoaded() bool
	// GPUWorkerQueueDepth reports the GPU Worker's current queued-plus-
	// in-flight task count, so an operator can see the engine is
	// saturated before sessions start timing out.
	GPUWorkerQueueDepth() int64
}

// Server is the small out-of-band HTTP API for seed management and
// health, plus the /ws upgrade and /metrics endpoint.
type Server struct {
	health     HealthSource
	safetySvc  *safety.Service
	cache      *seedcache.Cache
	ws         *WSHandler
	batchSize  int
	metricsHdl http.Handler
}

// NewServer builds the HTTP router. metricsHandler is typically
// promhttp.Handler(), which serves the collectors registered by
// internal/metrics.
func NewServer(health HealthSource, safetySvc *safety.Service, cache *seedcache.Cache, ws *WSHandler, batchSize int, metricsHandler http.Handler) *Server {
	return &Server{health: health, safetySvc: safetySvc, cache: cache, ws: ws, batchSize: batchSize, metricsHdl: metricsHandler}
}

// Router builds the gorilla/mux router implementing the full external
// HTTP surface.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/ws", s.ws).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/safety/check_image", s.handleCheckImage).Methods("POST")
	r.HandleFunc("/safety/check_batch", s.handleCheckBatch).Methods("POST")
	r.HandleFunc("/seeds/list", s.handleSeedsList).Methods("GET")
	r.HandleFunc("/seeds/image/{filename}", s.handleSeedImage).Methods("GET")
	r.HandleFunc("/seeds/thumbnail/{filename}", s.handleSeedThumbnail).Methods("GET")
	r.HandleFunc("/seeds/upload", s.handleSeedUpload).Methods("POST")
	r.HandleFunc("/seeds/rescan", s.handleSeedsRescan).Methods("POST")
	r.HandleFunc("/seeds/{filename}", s.handleSeedDelete).Methods("DELETE")
	if s.metricsHdl != nil {
		r.Handle("/metrics", s.metricsHdl).Methods("GET")
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"world_engine": map[string]any{
			"loaded":          s.health.EngineLoaded(),
			"warmed_up":       s.health.EngineWarmedUp(),
			"has_seed":        s.health.EngineHasSeed(),
			"gpu_queue_depth": s.health.GPUWorkerQueueDepth(),
		},
		"safety": map[string]any{"loaded": s.health.SafetyLoaded()},
	})
}

func (s *Server) handleCheckImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v, err := s.safetySvc.CheckOne(r.Context(), req.Path)
	if err != nil {
		writeErrFromTaxonomy(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	verdicts, err := s.safetySvc.CheckBatch(r.Context(), req.Paths, s.batchSize)
	if err != nil {
		writeErrFromTaxonomy(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": verdicts})
}

func (s *Server) handleSeedsList(w http.ResponseWriter, r *http.Request) {
	includeUnsafe := r.URL.Query().Get("include_unsafe") == "true"
	records := s.cache.List(includeUnsafe)

	out := make(map[string]any, len(records))
	for _, rec := range records {
		out[rec.Filename] = map[string]any{
			"hash":       rec.Hash,
			"is_safe":    rec.IsSafe,
			"is_default": rec.IsDefault,
			"checked_at": rec.ClassifiedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSeedImage(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	rec, ok := s.cache.Get(filename)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !rec.IsSafe {
		writeError(w, http.StatusForbidden, errors.New("seed is not marked safe"))
		return
	}

	data, err := readFileBytes(rec.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", mimeByExtension(rec.Filename))
	w.Write(data)
}

func (s *Server) handleSeedThumbnail(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	rec, ok := s.cache.Get(filename)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !rec.IsSafe {
		writeError(w, http.StatusForbidden, errors.New("seed is not marked safe"))
		return
	}

	img, err := imageutil.DecodeFile(rec.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	thumb := imageutil.Thumbnail(img, 80, 80)
	jpegBytes, err := imageutil.EncodeJPEG(80, 80, imageutil.ToRGBBytes(thumb), DefaultJPEGQuality)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpegBytes)
}

func (s *Server) handleSeedUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := s.cache.Upload(r.Context(), req.Filename, data)
	if err != nil {
		writeErrFromTaxonomy(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSeedsRescan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ForceFullRescan bool `json:"force_full_rescan"`
	}
	// Body is optional; a missing or empty body just leaves req zeroed.
	_ = json.NewDecoder(r.Body).Decode(&req)

	var err error
	if req.ForceFullRescan {
		err = s.cache.Rescan(r.Context())
	} else {
		err = s.cache.ValidateAndUpdate(r.Context())
	}
	if err != nil {
		writeErrFromTaxonomy(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(s.cache.List(true))})
}

func (s *Server) handleSeedDelete(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if err := s.cache.Delete(filename); err != nil {
		writeErrFromTaxonomy(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeErrFromTaxonomy maps an errs.Kind to an HTTP status: 400 for
// validation, 403 for safety/ownership denials, 404 for unknown resources,
// 500 for anything else.
func writeErrFromTaxonomy(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.Validation:
		writeError(w, http.StatusBadRequest, err)
	case errs.Integrity:
		writeError(w, http.StatusForbidden, err)
	case errs.NotFound:
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func mimeByExtension(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func readFileBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}
