package config

import (
	"fmt"
	"strings"
)

type EngineType int

const (
	EngineTypeUndefined = EngineType(iota)
	EngineTypeSim
	EngineTypeLibav
	EngineTypeVPL
	endOfEngineType
)

func (t EngineType) String() string {
	switch t {
	case EngineTypeUndefined:
		return "<undefined>"
	case EngineTypeSim:
		return "sim"
	case EngineTypeLibav:
		return "libav"
	case EngineTypeVPL:
		return "vpl"
	}
	return fmt.Sprintf("unknown_%d", int(t))
}

func EngineTypeFromString(s string) (EngineType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t := EngineTypeUndefined + 1; t < endOfEngineType; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return EngineTypeUndefined, fmt.Errorf("unknown engine type '%s'", s)
}

// Set implements pflag.Value.
func (t *EngineType) Set(s string) error {
	v, err := EngineTypeFromString(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Type implements pflag.Value.
func (t *EngineType) Type() string {
	return "engine-type"
}

func (t *EngineType) UnmarshalText(b []byte) error {
	return t.Set(string(b))
}

func (t EngineType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
