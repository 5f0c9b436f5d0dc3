package server

import "net/http"

// Pre-allocated liveness bodies; the handler is on every load balancer's
// poll path.
var (
	okBody       = []byte(`{"status":"ok"}` + "\n")
	notReadyBody = []byte(`{"status":"not ready"}` + "\n")
)

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
