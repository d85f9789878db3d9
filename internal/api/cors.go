package api

import "net/http"

// withCORS answers preflight requests and stamps every response with the
// configured origin. Browser clients post uploads straight from a page.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if s.corsOrigin == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		if s.corsOrigin != "*" {
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+s.rateLimitUserIDHeader)
		h.Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Remaining")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
