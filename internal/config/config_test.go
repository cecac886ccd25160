package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metaphorme/railsync/pkg/session"
	"github.com/Metaphorme/railsync/pkg/world"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, slog.LevelInfo, c.Level())
	assert.Equal(t, 30000, c.Port)
}

func TestBind(t *testing.T) {
	c := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.Bind(fs)
	require.NoError(t, fs.Parse([]string{
		"-u", "alice", "--route", "Settle & Carlisle", "--grace", "90s",
		"--consist", "a.eng,b.wag", "--log-level", "debug", "--lan",
	}))
	require.NoError(t, c.Validate())
	assert.Equal(t, "alice", c.User)
	assert.Equal(t, "Settle & Carlisle", c.Route)
	assert.Equal(t, 90*time.Second, c.GraceWindow)
	assert.Equal(t, []string{"a.eng", "b.wag"}, c.Consist)
	assert.Equal(t, slog.LevelDebug, c.Level())
	assert.True(t, c.LAN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"space in user", func(c *Config) { c.User = "big al" }, "invalid user name"},
		{"empty user", func(c *Config) { c.User = "" }, "invalid user name"},
		{"placeholder user", func(c *Config) { c.User = "-" }, "invalid user name"},
		{"tab in route", func(c *Config) { c.Route = "a\tb" }, "invalid route name"},
		{"port", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"level", func(c *Config) { c.LogLevel = "loud" }, "bad log level"},
		{"tick", func(c *Config) { c.TickInterval = 0 }, "intervals must be positive"},
		{"missing", func(c *Config) { c.MissingLimit = 0 }, "missing-limit"},
		{"rate", func(c *Config) { c.RateMaxReqs = 0 }, "invalid rate limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.edit(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestSessionOptions(t *testing.T) {
	c := Default()
	c.User = "hank"
	c.Route = "Cornwall"
	m := session.New(world.NewMemory(1, 1), c.SessionOptions(slog.New(slog.DiscardHandler), "")...)
	m.StartHost()
	m.Tick()
	st := m.Status()
	assert.Equal(t, "hank", st.User)
	assert.Equal(t, "host", st.Role)
}
