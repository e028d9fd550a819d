package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmigrations "github.com/wolfman30/clinic-booking/migrations"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args    []string
		want    command
		wantErr bool
	}{
		{args: nil, want: command{name: "up"}},
		{args: []string{"up"}, want: command{name: "up"}},
		{args: []string{"version"}, want: command{name: "version"}},
		{args: []string{"down", "2"}, want: command{name: "down", n: 2}},
		{args: []string{"force", "3"}, want: command{name: "force", n: 3}},
		{args: []string{"down"}, wantErr: true},
		{args: []string{"down", "0"}, wantErr: true},
		{args: []string{"force", "x"}, wantErr: true},
		{args: []string{"drop"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	err := run("  ", nil, logging.New("error"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := appmigrations.FS.ReadDir(".")
	require.NoError(t, err)
	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, ups, downs)
	assert.Positive(t, ups)
}
