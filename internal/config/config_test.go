package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.Timeouts.JoinRoom)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Reconnect)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.P2PConnect)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ICEFailureGrace)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.TransportConfirm)
	assert.Equal(t, time.Second, cfg.Timeouts.SinkAttach)
	assert.Equal(t, "silence", cfg.Mic)
	assert.NotEmpty(t, cfg.STUNServers)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medcall.yaml")
	body := []byte(`
role: doctor
call_id: abc
signaling_url: wss://calls.example.org/ws
prefer_sfu: true
timeouts:
  p2p_connect: 20s
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RoleResponder, cfg.Role)
	assert.Equal(t, "abc", cfg.CallID)
	assert.Equal(t, "wss://calls.example.org/ws", cfg.SignalingURL)
	assert.True(t, cfg.PreferSFU)
	assert.Equal(t, 20*time.Second, cfg.Timeouts.P2PConnect)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.JoinRoom)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: nurse\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  join_room: 0s\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "join_room")
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"initiator": RoleInitiator,
		"Patient":   RoleInitiator,
		"caller":    RoleInitiator,
		"responder": RoleResponder,
		" doctor ":  RoleResponder,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("")
	assert.Error(t, err)
}
