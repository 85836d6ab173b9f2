package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWSURL(t *testing.T) {
	for raw, want := range map[string]string{
		"ws://127.0.0.1:8443":            "ws://127.0.0.1:8443/ws",
		"https://calls.example.com/path": "wss://calls.example.com/ws",
		" wss://calls.example.com ":      "wss://calls.example.com/ws",
	} {
		got, err := normalizeWSURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	_, err := normalizeWSURL("not a url")
	assert.Error(t, err)
}
