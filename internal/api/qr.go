package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	minQRSize     = 128
	maxQRSize     = 1024
	pngDataURL    = "data:image/png;base64,"
)

// RenderQR returns a PNG for a pairing payload. Providers that only hand
// out a rendered image pass a PNG data URL, which is decoded as is.
func RenderQR(payload string, size int) ([]byte, error) {
	if strings.HasPrefix(payload, pngDataURL) {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, pngDataURL))
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

func (s *Server) handleQRPNG(w http.ResponseWriter, r *http.Request) {
	qr := s.sessions.GetQRCode(chi.URLParam(r, "id"))
	if qr == "" {
		writeError(w, http.StatusNotFound, "no QR code pending")
		return
	}

	size := defaultQRSize
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil {
		size = min(max(v, minQRSize), maxQRSize)
	}
	png, err := RenderQR(qr, size)
	if err != nil {
		s.logger.Error("qr render failed", "err", err)
		writeError(w, http.StatusInternalServerError, "cannot render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
