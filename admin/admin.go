// Package admin serves health, metrics and an extraction endpoint for
// trying the parser against captured bytes.
package admin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhpjy/sniproxy-ng/metrics"
	"github.com/zhpjy/sniproxy-ng/quic"
	"github.com/zhpjy/sniproxy-ng/tls"
)

// maxBody bounds POST /extract; a ClientHello fits one TLS record, a QUIC
// Initial one datagram.
const maxBody = 64 << 10

type extractResponse struct {
	SNI    string `json:"sni,omitempty"`
	Error  string `json:"error,omitempty"`
	Field  string `json:"field,omitempty"`
	Offset *int   `json:"offset,omitempty"`
}

// NewHandler returns the admin router:
//
//	GET  /healthz
//	GET  /metrics
//	POST /extract[?input=record|handshake|quic]
//
// /extract takes the raw bytes as the body, or hex when the content type
// is text/plain.
func NewHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/extract", extract)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extract(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, extractResponse{Error: err.Error()})
		return
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "text/plain" {
		body, err = hex.DecodeString(string(bytes.Join(bytes.Fields(body), nil)))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, extractResponse{Error: "bad hex: " + err.Error()})
			return
		}
	}

	var sni string
	switch in := r.URL.Query().Get("input"); in {
	case "", "record":
		sni, err = tls.ExtractSNI(body)
	case "handshake":
		sni, err = tls.ExtractSNIFromHandshake(body)
	case "quic":
		sni, err = quic.ExtractSNI(body, nil)
	default:
		writeJSON(w, http.StatusBadRequest, extractResponse{Error: "unknown input " + in})
		return
	}
	metrics.Get().ObserveExtract(metrics.SourceAPI, err)

	if err != nil {
		resp := extractResponse{Error: err.Error()}
		var pe *tls.ParseError
		if errors.As(err, &pe) {
			resp.Field = pe.Field
			off := pe.Offset
			resp.Offset = &off
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, extractResponse{SNI: sni})
}
