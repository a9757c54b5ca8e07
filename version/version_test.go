package version

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionInformation(t *testing.T) {
	s := NewVersionInformation().String()
	assert.Contains(t, s, "protocol=1")
	assert.Contains(t, s, "GOOS=")

	reg := prometheus.NewRegistry()
	require.NoError(t, PrometheusRegister(reg))
	assert.Error(t, PrometheusRegister(reg), "double registration")
}
