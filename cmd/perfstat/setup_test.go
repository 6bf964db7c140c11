package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	log = newLogger()

	tests := []struct {
		name    string
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{name: "debug", level: "debug", want: logrus.DebugLevel},
		{name: "warning alias", level: "warn", want: logrus.WarnLevel},
		{name: "unknown", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log.SetLevel(logrus.InfoLevel)

			err := setLogLevel(tt.level, "--log-level")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "--log-level")
				assert.Equal(t, logrus.InfoLevel, log.GetLevel())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

func TestLogLevelNames(t *testing.T) {
	names := logLevelNames()

	assert.Len(t, names, len(logrus.AllLevels))
	assert.Contains(t, names, "info")
	assert.Contains(t, names, "trace")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer

	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(t, "perfstat dev (commit none, built unknown)\n", out.String())
}
