package server

import (
	"bytes"
	"io"
	"io/ioutil"
	"mime"
	"net/http"

	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"awurachat-backend/internal/storage/zapadapter"
)

// maxBodyBytes caps request bodies well above any valid payload:
// endpoints only carry ids, short keys and a single message text.
const maxBodyBytes = 1 << 20

// enforcePostJson is a middleware pre-processing each HTTP request.
// It admits only POST requests with an application/json Content-Type (a blank
// header is treated as such), a non-empty body within maxBodyBytes and valid
// JSON, then hands the handler a replayable body.
func enforcePostJson(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			w.Header().Set("Allow", "POST")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			r.Header.Set("Content-Type", "application/json")
		} else {
			mt, _, err := mime.ParseMediaType(contentType)
			if err != nil {
				http.Error(w, "Malformed Content-Type header", http.StatusBadRequest)
				return
			}
			if mt != "application/json" {
				http.Error(w, "Content-Type header must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}

		var bodyBuf bytes.Buffer
		limited := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := ioutil.ReadAll(io.TeeReader(limited, &bodyBuf))
		if err != nil {
			// MaxBytesReader surfaces an oversized body as a read error
			http.Error(w, "Request body is too large or unreadable", http.StatusRequestEntityTooLarge)
			return
		}

		if len(body) == 0 {
			http.Error(w, "No body provided", http.StatusBadRequest)
			return
		}

		if err := fastjson.ValidateBytes(body); err != nil {
			http.Error(w, "Malformed JSON", http.StatusBadRequest)
			return
		}

		r.Body = ioutil.NopCloser(&bodyBuf)

		next.ServeHTTP(w, r)
	})
}

// log assigns each request an id, stamps it on the context for query logging
// and records the request line.
func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		logger.Info("incoming http request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("ip", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(zapadapter.NewContextWithID(r.Context(), id)))
	})
}
