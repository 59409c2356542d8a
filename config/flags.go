package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/xaionaro-go/msdk/encoder"
	"github.com/xaionaro-go/msdk/types"
)

// Flags are the command line overrides of a Config. Only the flags given
// on the command line are applied.
type Flags struct {
	flagSet *pflag.FlagSet

	engine      EngineType
	threads     int
	device      types.HardwareDeviceType
	deviceName  string
	impl        string
	join        bool
	codec       string
	format      string
	frameRate   string
	memory      string
	asyncDepth  uint16
	liveMode    bool
	outputOrder string
	partial     bool
	vppFourCC   string
	vppWidth    uint16
	vppHeight   uint16
	vppRate     string
	rotate      uint16
	denoise     uint16
	detail      uint16
	deinterlace bool
	encode      string
	bitrate     uint16
	gopSize     uint16
}

// RegisterFlags adds the override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{flagSet: fs, engine: EngineTypeSim, device: types.HardwareDeviceTypeSoftware}
	fs.Var(&f.engine, "engine", "codec engine: sim, libav or vpl")
	fs.IntVar(&f.threads, "threads", 0, "software decoding threads (0: automatic)")
	fs.Var(&f.device, "device", "display device type")
	fs.StringVar(&f.deviceName, "device-name", "", "display device path")
	fs.StringVar(&f.impl, "implementation", "auto", "engine implementation, e.g. hardware|vaapi")
	fs.BoolVar(&f.join, "join-sessions", false, "join the sessions of one pipeline")
	fs.StringVar(&f.codec, "codec", "", "input codec (default: from the container)")
	fs.StringVar(&f.format, "stream-format", "auto", "input framing: auto, byte-stream or length-prefixed")
	fs.StringVar(&f.frameRate, "frame-rate", "", "nominal input frame rate, e.g. 30000/1001")
	fs.StringVar(&f.memory, "memory", "auto", "decoded surfaces memory: auto, system or video")
	fs.Uint16Var(&f.asyncDepth, "async-depth", 0, "hardware pipeline depth (0: default)")
	fs.BoolVar(&f.liveMode, "live", false, "live source: do not wait for reordering")
	fs.StringVar(&f.outputOrder, "output-order", "display", "decoder output order: display or decode")
	fs.BoolVar(&f.partial, "keep-partial-frames", false, "keep the frames off the frame grid")
	fs.StringVar(&f.vppFourCC, "vpp-fourcc", "", "post-processing output pixel format")
	fs.Uint16Var(&f.vppWidth, "vpp-width", 0, "post-processing output width")
	fs.Uint16Var(&f.vppHeight, "vpp-height", 0, "post-processing output height")
	fs.StringVar(&f.vppRate, "vpp-frame-rate", "", "post-processing output frame rate")
	fs.Uint16Var(&f.rotate, "rotate", 0, "rotate by 90, 180 or 270 degrees")
	fs.Uint16Var(&f.denoise, "denoise", 0, "denoise strength [0, 100]")
	fs.Uint16Var(&f.detail, "detail", 0, "detail enhancement strength [0, 100]")
	fs.BoolVar(&f.deinterlace, "deinterlace", false, "deinterlace the decoded frames")
	fs.StringVar(&f.encode, "encode", "", "re-encode into this codec")
	fs.Uint16Var(&f.bitrate, "bitrate", 0, "re-encoding target bitrate in kbps")
	fs.Uint16Var(&f.gopSize, "gop-size", 0, "re-encoding keyframe interval")
	return f
}

func (f *Flags) changed(name string) bool {
	return f.flagSet.Changed(name)
}

// Apply writes the given flags into cfg.
func (f *Flags) Apply(cfg *Config) (_err error) {
	defer func() {
		if _err == nil {
			_err = cfg.Validate()
		}
	}()

	if f.changed("engine") {
		cfg.Engine.Type = f.engine
	}
	if f.changed("threads") {
		cfg.Engine.Threads = f.threads
	}
	if f.changed("device") {
		cfg.Device.Type = f.device
	}
	if f.changed("device-name") {
		cfg.Device.Name = types.HardwareDeviceName(f.deviceName)
	}
	if err := f.applyText("implementation", f.impl, &cfg.Aggregator.Implementation); err != nil {
		return err
	}
	if f.changed("join-sessions") {
		cfg.Aggregator.JoinSessions = f.join
	}

	d := &cfg.Decoder
	for _, item := range []struct {
		name  string
		value string
		dst   textUnmarshaler
	}{
		{"codec", f.codec, &d.CodecID},
		{"stream-format", f.format, &d.StreamFormat},
		{"frame-rate", f.frameRate, &d.FrameRate},
		{"memory", f.memory, &d.Memory},
		{"output-order", f.outputOrder, &d.OutputOrder},
	} {
		if err := f.applyText(item.name, item.value, item.dst); err != nil {
			return err
		}
	}
	if f.changed("async-depth") {
		d.AsyncDepth = f.asyncDepth
	}
	if f.changed("live") {
		d.LiveMode = f.liveMode
	}
	if f.changed("keep-partial-frames") {
		d.KeepPartialFrames = f.partial
	}

	if err := f.applyVPP(cfg); err != nil {
		return err
	}
	return f.applyEncoder(cfg)
}

func (f *Flags) applyVPP(cfg *Config) error {
	requested := false
	for _, name := range []string{"vpp-fourcc", "vpp-width", "vpp-height", "vpp-frame-rate", "rotate", "denoise", "detail", "deinterlace"} {
		requested = requested || f.changed(name)
	}
	if !requested {
		return nil
	}
	if cfg.VPP == nil {
		cfg.VPP = &VPP{}
	}
	v := cfg.VPP
	if err := f.applyText("vpp-fourcc", f.vppFourCC, &v.Output.FourCC); err != nil {
		return err
	}
	if err := f.applyText("vpp-frame-rate", f.vppRate, &v.Output.FrameRate); err != nil {
		return err
	}
	if f.changed("vpp-width") {
		v.Output.Width = f.vppWidth
	}
	if f.changed("vpp-height") {
		v.Output.Height = f.vppHeight
	}
	if f.changed("rotate") {
		v.Operations.Rotate = f.rotate
	}
	if f.changed("denoise") {
		v.Operations.Denoise = f.denoise
	}
	if f.changed("detail") {
		v.Operations.Detail = f.detail
	}
	if f.changed("deinterlace") {
		v.Operations.Deinterlace = f.deinterlace
	}
	return nil
}

func (f *Flags) applyEncoder(cfg *Config) error {
	if !f.changed("encode") && !f.changed("bitrate") && !f.changed("gop-size") {
		return nil
	}
	if cfg.Encoder == nil {
		cfg.Encoder = &encoder.Params{}
	}
	if err := f.applyText("encode", f.encode, &cfg.Encoder.CodecID); err != nil {
		return err
	}
	if f.changed("bitrate") {
		cfg.Encoder.TargetKbps = f.bitrate
	}
	if f.changed("gop-size") {
		cfg.Encoder.GopSize = f.gopSize
	}
	return nil
}

type textUnmarshaler interface {
	UnmarshalText([]byte) error
}

func (f *Flags) applyText(name, value string, dst textUnmarshaler) error {
	if !f.changed(name) {
		return nil
	}
	if err := dst.UnmarshalText([]byte(value)); err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	return nil
}
