package httputil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasicAuthHeader(t *testing.T) {
	assert.Equal(t, "Basic dXNlcjpwYXNzd29yZA==", BasicAuthHeader("user", "password"))
	assert.Equal(t, "Basic Og==", BasicAuthHeader("", ""))
}
