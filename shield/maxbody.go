package shield

import "net/http"

// MaxBody returns middleware that caps every request body. Handlers that
// read past the cap get an error from Body.Read and the connection is
// closed; for a local JSON API there is no legitimate oversized payload.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
