package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/Tutortoise/face-embedding-service/faceembed"
	"github.com/Tutortoise/face-embedding-service/inference"
	"github.com/Tutortoise/face-embedding-service/models"

	"go.uber.org/zap"
)

const multipartMemory = 10 << 20

var (
	errFileRequired   = errors.New("file field is required")
	errFileTooLarge   = errors.New("image file too large")
	errInvalidRequest = errors.New("invalid request body")
)

func (s *Server) handleFaceEmbedding(w http.ResponseWriter, r *http.Request) {
	timings := &models.ProcessingTimings{RequestID: RequestIDFromContext(r.Context())}

	data, err := s.readImage(w, r)
	if err != nil {
		s.writeInputError(w, err)
		return
	}

	res, err := s.embedder.Handle(r.Context(), data, timings)
	s.logTimings(timings)

	switch {
	case errors.Is(err, faceembed.ErrInvalidImage):
		s.metrics.RecordOutcome(outcomeInvalidImage)
		writeJSON(w, http.StatusBadRequest, MessageResponse{Message: MsgInvalidImage})
	case errors.Is(err, faceembed.ErrNoFaceDetected):
		s.metrics.RecordOutcome(outcomeNoFace)
		writeJSON(w, http.StatusBadRequest, MessageResponse{Message: MsgNoFace})
	case err != nil:
		s.metrics.RecordOutcome(outcomeInternal)
		s.logger.Error("face embedding failed",
			zap.String("request_id", timings.RequestID),
			zap.Error(err),
		)
		writeInternalError(w, err)
	default:
		s.metrics.RecordOutcome(outcomeOK)
		s.metrics.FaceCount.Observe(float64(res.FaceCount))
		writeJSON(w, http.StatusOK, res)
	}
}

// readImage extracts the image bytes from a multipart upload (field
// "file"), a JSON body {"image": "<base64>"} or a raw body.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.cfg.MaxUploadBytes
	if limit > 0 {
		if r.ContentLength > limit {
			return nil, errFileTooLarge
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	var data []byte
	switch mediaType {
	case "multipart/form-data":
		if params["boundary"] == "" {
			return nil, errInvalidRequest
		}
		data, err = readMultipart(r)
	case "application/json":
		data, err = readJSON(r)
	default:
		data, err = io.ReadAll(r.Body)
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, errFileTooLarge
	}
	return data, err
}

func readMultipart(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, errInvalidRequest
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, errFileRequired
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

// readJSON returns a nil slice for undecodable base64 so the pipeline
// reports it as an invalid image.
func readJSON(r *http.Request) ([]byte, error) {
	var req struct {
		Image *string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, errInvalidRequest
	}
	if req.Image == nil {
		return nil, errFileRequired
	}

	data, err := base64.StdEncoding.DecodeString(*req.Image)
	if err != nil {
		return nil, nil
	}
	return data, nil
}

func (s *Server) writeInputError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errFileTooLarge):
		s.metrics.RecordOutcome(outcomeTooLarge)
		writeJSON(w, http.StatusRequestEntityTooLarge, MessageResponse{Message: MsgFileTooLarge})
	case errors.Is(err, errFileRequired):
		s.metrics.RecordOutcome(outcomeMissingFile)
		writeJSON(w, http.StatusUnprocessableEntity, MessageResponse{Message: MsgFileRequired})
	case errors.Is(err, errInvalidRequest):
		s.metrics.RecordOutcome(outcomeBadRequest)
		writeJSON(w, http.StatusBadRequest, MessageResponse{Message: MsgInvalidRequest})
	default:
		s.metrics.RecordOutcome(outcomeInternal)
		s.logger.Error("reading request body failed", zap.Error(err))
		writeInternalError(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		CPUFeatures: inference.CPUFeatures(),
	}
	if resp.CPUFeatures == nil {
		resp.CPUFeatures = []string{}
	}
	if s.info != nil {
		resp.Model = s.info.ModelName()
		resp.EmbeddingSize = s.info.EmbeddingSize()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logTimings(t *models.ProcessingTimings) {
	if !s.cfg.LogTimings {
		return
	}
	s.logger.Debug("processing times",
		zap.String("request_id", t.RequestID),
		zap.Duration("image_decode", t.ImageDecode),
		zap.Duration("resize", t.Resize),
		zap.Duration("preprocess", t.Preprocess),
		zap.Duration("inference", t.Inference),
		zap.Duration("postprocess", t.Postprocess),
		zap.Duration("align", t.Align),
		zap.Duration("embed", t.Embed),
		zap.Duration("total", t.Total),
	)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Status:  http.StatusInternalServerError,
		Message: MsgInternalError,
		Error:   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
