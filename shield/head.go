package shield

import "net/http"

// HeadToGet serves HEAD requests through the GET routes, so /health and
// board URLs can be probed without dedicated handlers. The body is dropped
// before it reaches the connection; board snapshots can be large.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		r.Method = http.MethodGet
		next.ServeHTTP(headWriter{w}, r)
	})
}

type headWriter struct{ http.ResponseWriter }

func (headWriter) Write(p []byte) (int, error) { return len(p), nil }

func (h headWriter) Unwrap() http.ResponseWriter { return h.ResponseWriter }
