package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/pngcrypt/internal/audit"
	"github.com/kenneth/pngcrypt/internal/cache"
	"github.com/kenneth/pngcrypt/internal/config"
	"github.com/kenneth/pngcrypt/internal/crypto"
	"github.com/kenneth/pngcrypt/internal/metrics"
	"github.com/kenneth/pngcrypt/internal/pipeline"
	"github.com/kenneth/pngcrypt/internal/png"
)

// Response headers describing an encrypted image.
const (
	HeaderSession        = "X-Pngcrypt-Session"
	HeaderOriginalLength = "X-Pngcrypt-Original-Length"
	HeaderMode           = "X-Pngcrypt-Mode"
)

const sourceHTTP = "http"

// Handler handles HTTP requests for pngcrypt operations.
type Handler struct {
	pipeline    *pipeline.Pipeline
	sessions    cache.Store
	logger      logrus.FieldLogger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
	config      *config.Config
}

// NewHandler creates a new API handler. metrics and auditLogger may be nil.
func NewHandler(
	p *pipeline.Pipeline,
	sessions cache.Store,
	logger logrus.FieldLogger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
	cfg *config.Config,
) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handler{
		pipeline:    p,
		sessions:    sessions,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
		config:      cfg,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	if h.metrics != nil && h.config.Metrics.Enabled {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/inspect", h.handleInspect).Methods("POST")
	v1.HandleFunc("/keys", h.handleGenerateKeys).Methods("POST")
	v1.HandleFunc("/encrypt", h.handleEncrypt).Methods("POST")
	v1.HandleFunc("/decrypt", h.handleDecrypt).Methods("POST")
	v1.HandleFunc("/clean", h.handleClean).Methods("POST")
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.sessions.Stats().Items,
	})
}

type chunkInfo struct {
	Index       int    `json:"index"`
	Type        string `json:"type"`
	Length      uint32 `json:"length"`
	CRC         string `json:"crc"`
	Description string `json:"description,omitempty"`
}

type typeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type headerInfo struct {
	Width             int32 `json:"width"`
	Height            int32 `json:"height"`
	BitDepth          uint8 `json:"bit_depth"`
	ColorType         uint8 `json:"color_type"`
	CompressionMethod uint8 `json:"compression_method"`
	FilterMethod      uint8 `json:"filter_method"`
	InterlaceMethod   uint8 `json:"interlace_method"`
}

type inspectResponse struct {
	Chunks       []chunkInfo `json:"chunks"`
	Summary      []typeCount `json:"summary"`
	Header       *headerInfo `json:"header,omitempty"`
	TrailerBytes int         `json:"trailer_bytes,omitempty"`
}

// handleInspect lists the chunks of the uploaded image.
func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	opts := png.DescribeOptions{
		ShowIDAT: queryBool(r, "show_idat"),
		ShowPLTE: queryBool(r, "show_plte"),
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, "inspect", err, start)
		return
	}

	img, err := h.pipeline.Inspect(r.Context(), bytes.NewReader(body), sourceHTTP)
	if err != nil {
		h.writeError(w, r, "inspect", err, start)
		return
	}

	writeJSON(w, http.StatusOK, newInspectResponse(img, opts))
	h.logAccess(r, "inspect", nil, start)
}

func newInspectResponse(img *png.Image, opts png.DescribeOptions) *inspectResponse {
	resp := &inspectResponse{
		Chunks:       make([]chunkInfo, len(img.Chunks)),
		TrailerBytes: len(img.Trailer),
	}
	for i, c := range img.Chunks {
		resp.Chunks[i] = chunkInfo{
			Index:       i + 1,
			Type:        string(c.Type),
			Length:      c.Length,
			CRC:         fmt.Sprintf("%08x", c.CRC),
			Description: png.DescribeData(c, opts),
		}
	}
	for _, tc := range img.Summary() {
		resp.Summary = append(resp.Summary, typeCount{Type: string(tc.Type), Count: tc.Count})
	}
	if hdr, ok := img.Header(); ok {
		resp.Header = &headerInfo{
			Width:             hdr.Width,
			Height:            hdr.Height,
			BitDepth:          hdr.BitDepth,
			ColorType:         hdr.ColorType,
			CompressionMethod: hdr.CompressionMethod,
			FilterMethod:      hdr.FilterMethod,
			InterlaceMethod:   hdr.InterlaceMethod,
		}
	}
	return resp
}

type publicKeyInfo struct {
	E string `json:"e"`
	N string `json:"n"`
}

type keysResponse struct {
	Session     string        `json:"session"`
	Size        int           `json:"size"`
	Fingerprint string        `json:"fingerprint"`
	PublicKey   publicKeyInfo `json:"public_key"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// handleGenerateKeys creates a keypair and a session holding it. Only the
// public half is returned.
func (h *Handler) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	size, err := querySize(r, h.config.Crypto.MaxKeySize)
	if err != nil {
		h.writeAPIError(w, r, "keygen", ErrInvalidKeySize, err, start)
		return
	}

	key, err := h.pipeline.GenerateKeys(r.Context(), size)
	if err != nil {
		h.writeError(w, r, "keygen", err, start)
		return
	}
	session, err := h.createSession(r, key)
	if err != nil {
		h.writeError(w, r, "keygen", err, start)
		return
	}

	writeJSON(w, http.StatusCreated, &keysResponse{
		Session:     session.ID,
		Size:        key.Size,
		Fingerprint: key.Fingerprint(),
		PublicKey: publicKeyInfo{
			E: key.Public.E.Text(16),
			N: key.Public.N.Text(16),
		},
		ExpiresAt: session.ExpiresAt,
	})
	h.logAccess(r, "keygen", nil, start)
}

// handleEncrypt encrypts the uploaded image under the session's key, or
// under a fresh keypair in a new session when none is named.
func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	query := r.URL.Query()

	modeName := query.Get("mode")
	if modeName == "" {
		modeName = h.config.Crypto.Mode
	}
	mode, err := crypto.ParseMode(modeName)
	if err != nil {
		h.writeAPIError(w, r, "encrypt", ErrInvalidMode, err, start)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}

	var session *cache.Session
	if id := query.Get("session"); id != "" {
		var ok bool
		session, ok = h.sessions.Get(ctx, id)
		if !ok {
			h.writeError(w, r, "encrypt", cache.ErrSessionNotFound, start)
			return
		}
	} else {
		size, err := querySize(r, h.config.Crypto.MaxKeySize)
		if err != nil {
			h.writeAPIError(w, r, "encrypt", ErrInvalidKeySize, err, start)
			return
		}
		key, err := h.pipeline.GenerateKeys(ctx, size)
		if err != nil {
			h.writeError(w, r, "encrypt", err, start)
			return
		}
		if session, err = h.createSession(r, key); err != nil {
			h.writeError(w, r, "encrypt", err, start)
			return
		}
	}

	var out bytes.Buffer
	bundle, err := h.pipeline.Encrypt(ctx, bytes.NewReader(body), &out, session.Key, mode, sourceHTTP)
	if err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}

	session.Mode = bundle.Mode
	session.IV = bundle.IV
	session.OriginalLength = bundle.OriginalLength
	session.Encrypted = true
	if err := h.sessions.Update(ctx, session); err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}

	w.Header().Set(HeaderSession, session.ID)
	w.Header().Set(HeaderOriginalLength, strconv.Itoa(bundle.OriginalLength))
	w.Header().Set(HeaderMode, bundle.Mode.String())
	writePNG(w, out.Bytes())
	h.logAccess(r, "encrypt", nil, start)
}

// handleDecrypt decrypts the uploaded image with the material recorded in
// its session.
func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	id := r.URL.Query().Get("session")
	if id == "" {
		h.writeAPIError(w, r, "decrypt", ErrMissingSession, nil, start)
		return
	}
	session, ok := h.sessions.Get(ctx, id)
	if !ok {
		h.writeError(w, r, "decrypt", cache.ErrSessionNotFound, start)
		return
	}
	if !session.Encrypted {
		h.writeAPIError(w, r, "decrypt", ErrSessionNotEncrypted, nil, start)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, "decrypt", err, start)
		return
	}

	bundle := &crypto.Bundle{
		Mode:           session.Mode,
		Key:            session.Key,
		IV:             session.IV,
		OriginalLength: session.OriginalLength,
	}
	var out bytes.Buffer
	if err := h.pipeline.Decrypt(ctx, bytes.NewReader(body), &out, bundle, sourceHTTP); err != nil {
		h.writeError(w, r, "decrypt", err, start)
		return
	}

	writePNG(w, out.Bytes())
	h.logAccess(r, "decrypt", nil, start)
}

// handleClean strips ancillary chunks from the uploaded image.
func (h *Handler) handleClean(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, "clean", err, start)
		return
	}

	var out bytes.Buffer
	if err := h.pipeline.Clean(r.Context(), bytes.NewReader(body), &out, sourceHTTP); err != nil {
		h.writeError(w, r, "clean", err, start)
		return
	}

	writePNG(w, out.Bytes())
	h.logAccess(r, "clean", nil, start)
}

func (h *Handler) createSession(r *http.Request, key *crypto.Keypair) (*cache.Session, error) {
	session, err := h.sessions.Create(r.Context(), key)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.SetActiveSessions(h.sessions.Stats().Items)
	}
	return session, nil
}

// readBody reads the request body up to the configured limit.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, h.config.Server.MaxBodyBytes)
	defer body.Close()
	return io.ReadAll(body)
}

// writeError translates err and writes it as the response.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, operation string, err error, start time.Time) {
	h.writeAPIError(w, r, operation, TranslateError(err, r.URL.Path), err, start)
}

func (h *Handler) writeAPIError(w http.ResponseWriter, r *http.Request, operation string, apiErr *APIError, cause error, start time.Time) {
	apiErr = apiErr.WithResource(r.URL.Path, getRequestID(r))

	entry := h.logger.WithFields(logrus.Fields{
		"operation":  operation,
		"code":       apiErr.Code,
		"status":     apiErr.HTTPStatus,
		"request_id": apiErr.RequestID,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	apiErr.WriteJSON(w)
	if cause == nil {
		cause = apiErr
	}
	h.logAccess(r, operation, cause, start)
}

func (h *Handler) logAccess(r *http.Request, operation string, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogAccess(operation, getClientIP(r), r.UserAgent(), getRequestID(r), err == nil, err, time.Since(start))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
