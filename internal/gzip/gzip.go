package gzip

import (
	"compress/gzip"
	"net/http"
	"strings"
)

// Middleware распаковывает сжатое тело входящего запроса
func Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer gz.Close()
			r.Body = gz
		}

		h.ServeHTTP(w, r)
	})
}
