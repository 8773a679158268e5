package metrics

import (
	"fmt"
	"net/http"
)

// HealthzHandler returns a liveness probe handler reporting 200 as long as
// the process is scheduling HTTP requests at all; sessionCount lets
// operators see load without scraping /metrics.
func HealthzHandler(sessionCount func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if sessionCount != nil {
			fmt.Fprintf(w, "ok\nsessions=%d\n", sessionCount())
			return
		}
		fmt.Fprint(w, "ok\n")
	}
}
