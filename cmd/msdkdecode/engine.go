package main

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/msdk/config"
	"github.com/xaionaro-go/msdk/display"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/hw/hwsim"
	"github.com/xaionaro-go/msdk/hw/libav"
	"github.com/xaionaro-go/msdk/hw/vpl"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/types"
)

func newEngine(ctx context.Context, cfg config.Engine) (hw.Engine, error) {
	switch cfg.Type {
	case config.EngineTypeSim:
		return hwsim.New(hwsim.DefaultConfig()), nil
	case config.EngineTypeLibav:
		libav.RouteLogs(logger.FromCtx(ctx))
		return libav.New(libav.Config{ThreadCount: cfg.Threads}), nil
	case config.EngineTypeVPL:
		e, err := vpl.New()
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("unsupported engine %s", cfg.Type)
}

func newDisplay(ctx context.Context, cfg config.Device) (display.Display, error) {
	switch cfg.Type {
	case types.HardwareDeviceTypeNone:
		return nil, nil
	case types.HardwareDeviceTypeSoftware:
		return softdisplay.New(), nil
	}
	return nil, fmt.Errorf("display device type %s is not supported by this build", cfg.Type)
}
