package hostsecrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetGranted(t *testing.T) {
	r := New(map[string][]byte{"API_KEY": []byte("sk-1")}, nil, "user-1", "catalyst:local.fetcher:1.0.0", "exec_1")
	val, err := r.Get(context.Background(), "API_KEY")
	require.Nil(t, err)
	assert.Equal(t, []byte("sk-1"), val)
}

func TestGetUngrantedDenied(t *testing.T) {
	r := New(map[string][]byte{}, nil, "user-1", "catalyst:local.fetcher:1.0.0", "exec_1")
	_, err := r.Get(context.Background(), "MISSING")
	require.NotNil(t, err)
	assert.Equal(t, "access_denied", string(err.Code))
	assert.Contains(t, err.Message, "MISSING")
}
