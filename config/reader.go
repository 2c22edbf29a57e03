package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"webview-rpc/codec"
)

// File is the on-disk layout. Absent keys keep their defaults.
type File struct {
	RPC struct {
		MaxEncodedMessageSize     *int     `toml:"max-encoded-message-size"`
		EnableChunking            *bool    `toml:"enable-chunking"`
		ReassemblyTimeoutSeconds  *int     `toml:"reassembly-timeout-seconds"`
		MaxConcurrentReassemblies *int     `toml:"max-concurrent-reassemblies"`
		ChunkRate                 *float64 `toml:"chunk-rate"`
		CallTimeoutMs             *int     `toml:"call-timeout-ms"`
		ProbeIntervalMs           *int     `toml:"probe-interval-ms"`
		ReadyTimeoutMs            *int     `toml:"ready-timeout-ms"`
		Codec                     *string  `toml:"codec"`
	} `toml:"rpc"`
}

func Load(file string) (*Config, error) {
	f, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	config, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", file, err)
	}
	return config, nil
}

// Parse reads a TOML document. Every value goes through its setter, so a
// file can never produce a configuration the setters would reject.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	config := New()
	rpc := f.RPC
	// The codec decides the minimum safe message size, so it goes first
	if rpc.Codec != nil {
		t, err := codec.ParseCodecType(*rpc.Codec)
		if err != nil {
			return nil, err
		}
		if err := config.SetCodec(t); err != nil {
			return nil, err
		}
	}
	if rpc.MaxEncodedMessageSize != nil {
		if err := config.SetMaxEncodedMessageSize(*rpc.MaxEncodedMessageSize); err != nil {
			return nil, err
		}
	}
	if rpc.EnableChunking != nil {
		config.SetChunkingEnabled(*rpc.EnableChunking)
	}
	if rpc.ReassemblyTimeoutSeconds != nil {
		if err := config.SetReassemblyTimeout(time.Duration(*rpc.ReassemblyTimeoutSeconds) * time.Second); err != nil {
			return nil, err
		}
	}
	if rpc.MaxConcurrentReassemblies != nil {
		if err := config.SetMaxConcurrentReassemblies(*rpc.MaxConcurrentReassemblies); err != nil {
			return nil, err
		}
	}
	if rpc.ChunkRate != nil {
		if err := config.SetChunkRate(*rpc.ChunkRate); err != nil {
			return nil, err
		}
	}
	if rpc.CallTimeoutMs != nil {
		if err := config.SetCallTimeout(time.Duration(*rpc.CallTimeoutMs) * time.Millisecond); err != nil {
			return nil, err
		}
	}
	if rpc.ProbeIntervalMs != nil {
		if err := config.SetProbeInterval(time.Duration(*rpc.ProbeIntervalMs) * time.Millisecond); err != nil {
			return nil, err
		}
	}
	if rpc.ReadyTimeoutMs != nil {
		if err := config.SetReadyTimeout(time.Duration(*rpc.ReadyTimeoutMs) * time.Millisecond); err != nil {
			return nil, err
		}
	}
	return config, nil
}
