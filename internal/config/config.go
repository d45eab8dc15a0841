// Package config loads the node's JSON configuration file (spec.md
// §4.9/§6: "preshared Credential, PMK, LMK, root indicator, Wi-Fi scan
// target SSID for centrality"), matching the original firmware's
// get_config padding and validation rules exactly.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/coreerr"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/credential"
	"github.com/SestakJ/DP-Micropython-ESP32-Mesh/internal/meshid"
)

// raw mirrors the on-disk JSON shape, field names matching the original
// firmware's config.json (espnowcore.py get_config).
type raw struct {
	Credentials string `json:"credentials"`
	EspPMK      string `json:"esp_pmk"`
	EspLMK      string `json:"esp_lmk"`
	Root        string `json:"root"`
	ScanSSID    string `json:"scan_ssid"`
}

// Config is the node's parsed, validated configuration.
type Config struct {
	Credential credential.Credential

	PMK credential.Key
	LMK credential.Key

	// RootHint is the id the original firmware's manual "root"
	// assignment carried (espnowcore.py check_root_election). The
	// implemented election rule (spec.md §4.5) is automatic
	// lowest-id-wins, so RootHint is parsed and kept for config-schema
	// compatibility only; nothing in this module branches on it.
	RootHint meshid.ID

	// ScanSSID is the Wi-Fi network name swept for the named-router
	// RSSI term of the centrality computation (spec.md §4.4).
	ScanSSID string
}

// Load reads and validates the config file at path. A missing or
// malformed PMK/LMK is fatal, matching the original firmware raising
// ValueError from get_config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.New(coreerr.Config, "config.Load", errors.Wrap(err, "read config file"))
	}

	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, coreerr.New(coreerr.Config, "config.Load", errors.Wrap(err, "parse config json"))
	}
	return fromRaw(r)
}

func fromRaw(r raw) (*Config, error) {
	pmk, err := credential.NewKey([]byte(r.EspPMK))
	if err != nil {
		return nil, coreerr.New(coreerr.Config, "config.Load", errors.Wrap(err, "esp_pmk"))
	}
	lmk, err := credential.NewKey([]byte(r.EspLMK))
	if err != nil {
		return nil, coreerr.New(coreerr.Config, "config.Load", errors.Wrap(err, "esp_lmk"))
	}

	var rootHint meshid.ID
	if r.Root != "" {
		rootHint, err = meshid.Parse(r.Root)
		if err != nil {
			return nil, coreerr.New(coreerr.Config, "config.Load", errors.Wrap(err, "root"))
		}
	}

	return &Config{
		// FromConfig pads or truncates an arbitrary-length preshared
		// value to 32 bytes; an absent credentials key yields the zero
		// credential, matching get_config's CREDS_LENGTH * b'\x00'.
		Credential: credential.FromConfig([]byte(r.Credentials)),
		PMK:        pmk,
		LMK:        lmk,
		RootHint:   rootHint,
		ScanSSID:   r.ScanSSID,
	}, nil
}
