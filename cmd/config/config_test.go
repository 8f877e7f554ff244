package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Host:                     "127.0.0.1",
				Port:                     19988,
				OnExtensionIdle:          "reject",
				IdleGraceSeconds:         10,
				RequestTimeoutSeconds:    30,
				HeartbeatIntervalSeconds: 15,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":              "12345",
				"ON_EXTENSION_IDLE": "wait",
				"TOKEN":             "secret",
			},
			wantCfg: &Config{
				Host:                     "127.0.0.1",
				Port:                     12345,
				Token:                    "secret",
				OnExtensionIdle:          "wait",
				IdleGraceSeconds:         10,
				RequestTimeoutSeconds:    30,
				HeartbeatIntervalSeconds: 15,
			},
		},
		{
			name: "port out of range",
			env: map[string]string{
				"PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "unknown idle policy",
			env: map[string]string{
				"ON_EXTENSION_IDLE": "queue",
			},
			wantErr: true,
		},
		{
			name: "zero grace interval",
			env: map[string]string{
				"IDLE_GRACE_SECONDS": "0",
			},
			wantErr: true,
		},
		{
			name: "public bind requires token",
			env: map[string]string{
				"HOST": "0.0.0.0",
			},
			wantErr: true,
		},
		{
			name: "public bind with token",
			env: map[string]string{
				"HOST":  "0.0.0.0",
				"TOKEN": "secret",
			},
			wantCfg: &Config{
				Host:                     "0.0.0.0",
				Port:                     19988,
				Token:                    "secret",
				OnExtensionIdle:          "reject",
				IdleGraceSeconds:         10,
				RequestTimeoutSeconds:    30,
				HeartbeatIntervalSeconds: 15,
			},
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}
