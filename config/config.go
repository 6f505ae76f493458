// Package config loads and defaults the diagnostic core's configuration knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the core's configuration surface.
type Config struct {
	J2534 struct {
		MaxConcurrentChannels int `yaml:"max_concurrent_channels"`
		MaxFilters            int `yaml:"max_filters"`
	} `yaml:"j2534"`

	ISOTP struct {
		PaddingByte  byte `yaml:"padding_byte"`
		FCTimeoutMs  int  `yaml:"fc_timeout_ms"`
		NCRMaxMs     int  `yaml:"n_cr_max_ms"`
		DefaultBS    int  `yaml:"default_block_size"`
		DefaultSTMin int  `yaml:"default_st_min_ms"`
	} `yaml:"iso_tp"`

	UDS struct {
		ResponsePendingMax int  `yaml:"response_pending_max"`
		KeepaliveEnabled   bool `yaml:"keepalive_enabled"`
		P2MinMs            int  `yaml:"p2_min_ms"`
		P2MaxMs            int  `yaml:"p2_max_ms"`
		P2StarMaxMs        int  `yaml:"p2_star_max_ms"`
		P3MinMs            int  `yaml:"p3_min_ms"`
		P3MaxMs            int  `yaml:"p3_max_ms"`
	} `yaml:"uds"`

	State struct {
		HistoryCap            int `yaml:"history_cap"`
		MaxConcurrentConns    int `yaml:"max_concurrent_connections"`
		ErrorWindowMs         int `yaml:"error_window_ms"`
		MaxErrorsInWindow     int `yaml:"max_errors_in_window"`
		QualityDegraded       int `yaml:"quality_degraded_threshold"`
		QualitySwitchDelta    int `yaml:"quality_switch_delta"`
	} `yaml:"state"`

	StateDir string `yaml:"state_dir"`

	Datastore struct {
		SQLitePath string `yaml:"sqlite_path"`
		InfluxDB   struct {
			URL    string `yaml:"url"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
			Token  string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
}

// Default returns the §6 default configuration so callers never need a
// file on disk to exercise the core.
func Default() *Config {
	c := &Config{}
	c.J2534.MaxConcurrentChannels = 10
	c.J2534.MaxFilters = 16

	c.ISOTP.PaddingByte = 0x00
	c.ISOTP.FCTimeoutMs = 1000
	c.ISOTP.NCRMaxMs = 1000
	c.ISOTP.DefaultBS = 0
	c.ISOTP.DefaultSTMin = 0

	c.UDS.ResponsePendingMax = 10
	c.UDS.KeepaliveEnabled = true
	c.UDS.P2MinMs = 25
	c.UDS.P2MaxMs = 50
	c.UDS.P2StarMaxMs = 5000
	c.UDS.P3MinMs = 55
	c.UDS.P3MaxMs = 5000

	c.State.HistoryCap = 100
	c.State.MaxConcurrentConns = 5
	c.State.ErrorWindowMs = 60000
	c.State.MaxErrorsInWindow = 3
	c.State.QualityDegraded = 40
	c.State.QualitySwitchDelta = 20

	c.StateDir = "state"

	c.Server.Host = "0.0.0.0"
	c.Server.Port = 8733
	return c
}

// LoadConfig reads the YAML config file over Default(): fields the file does
// not set keep their defaults, and fields it sets (even to zero) override them.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}
