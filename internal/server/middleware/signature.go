package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakematch/internal/crypto"
)

// maxSignedBody caps the body read for signature verification.
const maxSignedBody = 64 << 10

// ResultSignature returns middleware that only admits requests signed by the
// game server with auth. The body is buffered so the handler can read it
// again.
func ResultSignature(auth *crypto.ResultAuth, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "could not read body")
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
				return
			}

			err = auth.Verify(
				r.Header.Get(crypto.HeaderResultTimestamp),
				r.Header.Get(crypto.HeaderResultSignature),
				r.Method, r.URL.Path, string(body), time.Now(),
			)
			if err != nil {
				logger.WarnContext(r.Context(), "result signature rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				msg := "invalid result signature"
				if errors.Is(err, crypto.ErrSignatureMissing) {
					msg = "missing result signature"
				} else if errors.Is(err, crypto.ErrSignatureExpired) {
					msg = "result signature expired"
				}
				writeUnauthorized(w, msg)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
