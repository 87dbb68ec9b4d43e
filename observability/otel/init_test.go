package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "distributord"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =x,team=ops")
	require.Equal(t, map[string]string{"api-key": "abc", "team": "ops"}, headers)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "svc", ServiceVersion: "1.2.3", Environment: "prod"})
	require.Len(t, attrs, 3)
}
