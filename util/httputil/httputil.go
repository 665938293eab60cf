package httputil

import (
	"encoding/base64"
)

// BasicAuthHeader builds an Authorization header value from credentials.
func BasicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
