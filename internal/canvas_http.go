package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

const maxCanvasBody = 4 << 20

type createCanvasRequest struct {
	Name        string   `json:"name"`
	DrawingData []Stroke `json:"drawingData"`
}

type canvasResponse struct {
	Data *Canvas `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func CreateCanvasRoute(logger *slog.Logger, store CanvasStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCanvasBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorEvent{Message: "invalid canvas body"})
			return
		}

		req, err := decodeCreateCanvas(raw)
		if err != nil {
			ee := classify(err)
			if ee.Kind == KindInternal {
				logger.Error("failed to validate canvas", ee)
				writeJSON(w, http.StatusInternalServerError, ErrorEvent{Message: ee.Public()})
				return
			}
			writeJSON(w, http.StatusBadRequest, ErrorEvent{Message: ee.Public()})
			return
		}

		canvas, err := store.Create(r.Context(), strings.TrimSpace(req.Name), req.DrawingData)
		if err != nil {
			logger.Error("failed to create canvas", err)
			writeJSON(w, http.StatusInternalServerError, ErrorEvent{Message: internalErrorMessage})
			return
		}

		logger.Info("canvas created", slog.String("canvas", canvas.ID), slog.String("name", canvas.Name))
		writeJSON(w, http.StatusCreated, canvasResponse{Data: canvas})
	}
}

func GetCanvasRoute(logger *slog.Logger, store CanvasStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, err := store.Get(r.Context(), chi.URLParam(r, "canvasID"))
		if errors.Is(err, ErrCanvasNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorEvent{Message: ErrCanvasNotFound.Error()})
			return
		} else if err != nil {
			logger.Error("failed to load canvas", err)
			writeJSON(w, http.StatusInternalServerError, ErrorEvent{Message: internalErrorMessage})
			return
		}

		writeJSON(w, http.StatusOK, canvasResponse{Data: canvas})
	}
}

// HTTPCanvasOracle asks an external canvas service whether a canvas exists.
type HTTPCanvasOracle struct {
	baseURL string
	subject string
	signer  RequestSigner
	client  *http.Client
}

func NewHTTPCanvasOracle(baseURL, subject string, signer RequestSigner) *HTTPCanvasOracle {
	return &HTTPCanvasOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		subject: subject,
		signer:  signer,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *HTTPCanvasOracle) Exists(ctx context.Context, canvasID string) (bool, error) {
	u := fmt.Sprintf("%v/canvas/%v", o.baseURL, url.PathEscape(canvasID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	if o.signer != nil {
		if err := o.signer(req, o.subject); err != nil {
			return false, err
		}
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return false, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("canvas service answered %v", resp.StatusCode)
	}
}
