package endpoints

import "net/http"

// NewStatusEndpoint serves the health check. If no custom response was
// configured it answers 204.
func NewStatusEndpoint(response string) http.HandlerFunc {
	if response == "" {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}
	}

	responseBytes := []byte(response)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write(responseBytes)
	}
}
