package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("uasubsim.yaml")
	assert.NilError(t, err)
	assert.Equal(t, cfg.MetricsAddress, "localhost:9464")
	assert.Equal(t, cfg.Server.DropEvery, 3)
	assert.Equal(t, len(cfg.Variables), 4)
	assert.Equal(t, cfg.Variables[0].Period, 10*time.Second)
	assert.Equal(t, cfg.Variables[0].UpdateInterval, 250*time.Millisecond)
	assert.Equal(t, len(cfg.Subscriptions), 2)
	assert.Equal(t, cfg.Subscriptions[0].Priority, byte(2))
	assert.Equal(t, cfg.Subscriptions[1].Items[0].SamplingInterval, -1.0)
	assert.Assert(t, cfg.Subscriptions[1].Events)
	assert.Equal(t, cfg.Events.Interval, 5*time.Second)
}

func TestLoadWithoutPathUsesDefault(t *testing.T) {
	cfg, err := Load("")
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, Default())
	assert.NilError(t, cfg.Validate())
}

func TestParseKeepsDefaultsOfMissingFields(t *testing.T) {
	cfg, err := Parse([]byte("log_level: debug\nclient:\n  trace: true\n"))
	assert.NilError(t, err)
	assert.Equal(t, cfg.LogLevel, "debug")
	assert.Assert(t, cfg.Client.Trace)
	assert.Equal(t, cfg.Client.MaxPendingPublishRequests, 2)
	assert.Equal(t, cfg.Server.MinPublishingInterval, 50.0)
	assert.Equal(t, len(cfg.Variables), 0)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"syntax", "variables: [", "parse config"},
		{"unknown kind", "variables:\n  - node_id: \"i=1\"\n    kind: square\n", "unknown kind"},
		{"no update interval", "variables:\n  - node_id: \"i=1\"\n    kind: sine\n", "update_interval"},
		{"unknown item", "subscriptions:\n  - name: a\n    items:\n      - node_id: \"i=2\"\n", "is not a variable"},
		{"negative event interval", "events:\n  interval: -1s\n", "events interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Assert(t, os.IsNotExist(errors.Cause(err)))
}
