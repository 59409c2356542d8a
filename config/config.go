// Package config describes a decode pipeline (engine, display, decoder,
// optional post-processing and encoding) loaded from YAML and adjusted
// by command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/msdk/decoder"
	"github.com/xaionaro-go/msdk/encoder"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/types"
	"github.com/xaionaro-go/msdk/vpp"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine     Engine                 `yaml:"engine"`
	Device     Device                 `yaml:"device"`
	Aggregator task.AggregatorOptions `yaml:"aggregator"`
	Decoder    decoder.Params         `yaml:"decoder"`

	// VPP is nil if the decoded frames are not post-processed.
	VPP *VPP `yaml:"vpp,omitempty"`

	// Encoder is nil if the frames are not re-encoded.
	Encoder *encoder.Params `yaml:"encoder,omitempty"`
}

type Engine struct {
	Type EngineType `yaml:"type"`

	// Threads is the amount of software decoding threads (libav only).
	Threads int `yaml:"threads"`
}

type Device struct {
	Type types.HardwareDeviceType `yaml:"type"`
	Name types.HardwareDeviceName `yaml:"name"`
}

type VPP struct {
	vpp.Params `yaml:",inline"`
	Operations Operations `yaml:"operations"`
}

// Default returns the configuration used when nothing is given.
func Default() Config {
	return Config{
		Engine: Engine{Type: EngineTypeSim},
		Device: Device{Type: types.HardwareDeviceTypeSoftware},
	}
}

// Load reads the YAML document from r on top of Default. Unknown keys are
// an error.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("unable to decode the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load of the file content.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	cfg, err := Load(bytes.NewReader(b))
	if err != nil {
		return Config{}, fmt.Errorf("'%s': %w", path, err)
	}
	return cfg, nil
}

// Bytes returns the YAML representation of the config.
func (cfg Config) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	e := yaml.NewEncoder(&buf)
	e.SetIndent(2)
	if err := e.Encode(cfg); err != nil {
		return nil, fmt.Errorf("unable to encode the config: %w", err)
	}
	if err := e.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (cfg Config) Validate() error {
	if !cfg.Decoder.FrameRate.IsValid() && (cfg.Decoder.FrameRate != types.Rational{}) {
		return fmt.Errorf("invalid decoder frame rate %s", cfg.Decoder.FrameRate)
	}
	if cfg.Engine.Threads < 0 {
		return fmt.Errorf("negative amount of threads: %d", cfg.Engine.Threads)
	}
	if cfg.VPP != nil {
		if _, err := cfg.VPP.Operations.ExtBuffers(); err != nil {
			return fmt.Errorf("vpp: %w", err)
		}
	}
	return nil
}

// VPPParams returns the filter parameters with the operations attached;
// ok is false if no post-processing is configured.
func (cfg Config) VPPParams() (_ vpp.Params, ok bool, _err error) {
	if cfg.VPP == nil {
		return vpp.Params{}, false, nil
	}
	ops, err := cfg.VPP.Operations.ExtBuffers()
	if err != nil {
		return vpp.Params{}, false, err
	}
	params := cfg.VPP.Params
	params.Operations = ops
	return params, true, nil
}
