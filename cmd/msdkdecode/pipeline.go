package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/xaionaro-go/msdk/config"
	"github.com/xaionaro-go/msdk/decoder"
	"github.com/xaionaro-go/msdk/encoder"
	"github.com/xaionaro-go/msdk/frame"
	"github.com/xaionaro-go/msdk/logger"
	"github.com/xaionaro-go/msdk/task"
	"github.com/xaionaro-go/msdk/vpp"
	"go.uber.org/atomic"
)

// pipeline is decoder -> optional filter -> optional encoder -> output.
type pipeline struct {
	decoder *decoder.Decoder
	filter  *vpp.Filter
	encoder *encoder.Encoder
	output  io.Writer

	framesOut atomic.Uint64
	bytesOut  atomic.Uint64
}

func newPipeline(
	ctx context.Context,
	agg *task.Aggregator,
	cfg config.Config,
	src source,
	output io.Writer,
) (_ *pipeline, _err error) {
	p := &pipeline{output: output}
	defer func() {
		if _err != nil {
			p.Close(ctx)
		}
	}()

	decParams := cfg.Decoder
	src.Configure(&decParams)
	var err error
	p.decoder, err = decoder.New(ctx, agg, decParams)
	if err != nil {
		return nil, fmt.Errorf("unable to create the decoder: %w", err)
	}

	vppParams, ok, err := cfg.VPPParams()
	if err != nil {
		return nil, err
	}
	if ok {
		p.filter, err = vpp.New(ctx, agg, vppParams)
		if err != nil {
			return nil, fmt.Errorf("unable to create the filter: %w", err)
		}
	}

	if cfg.Encoder != nil {
		encParams := *cfg.Encoder
		if !encParams.FrameRate.IsValid() {
			encParams.FrameRate = decParams.FrameRate
		}
		p.encoder, err = encoder.New(ctx, agg, encParams)
		if err != nil {
			return nil, fmt.Errorf("unable to create the encoder: %w", err)
		}
	}
	return p, nil
}

// Run pushes the whole source through the pipeline.
func (p *pipeline) Run(ctx context.Context, src source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := src.ReadFrame()
		if isEOF(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("unable to read the input: %w", err)
		}
		if _, err := p.decoder.Decode(ctx, in); err != nil {
			return fmt.Errorf("unable to decode %s: %w", in, err)
		}
		if err := p.consumeDecoded(ctx); err != nil {
			return err
		}
	}
	return p.flush(ctx)
}

func (p *pipeline) flush(ctx context.Context) error {
	for {
		st, err := p.decoder.Flush(ctx)
		if err != nil {
			return fmt.Errorf("unable to flush the decoder: %w", err)
		}
		if err := p.consumeDecoded(ctx); err != nil {
			return err
		}
		if st == decoder.StatusFlushed {
			break
		}
	}
	if p.encoder == nil {
		return nil
	}
	encoded, err := p.encoder.Flush(ctx)
	if err != nil {
		return fmt.Errorf("unable to flush the encoder: %w", err)
	}
	return p.write(encoded)
}

func (p *pipeline) consumeDecoded(ctx context.Context) error {
	frame.ReleaseAll(ctx, p.decoder.PopDiscarded(ctx))
	for {
		f := p.decoder.PopDecoded(ctx)
		if f == nil {
			return nil
		}
		if err := p.process(ctx, f); err != nil {
			return err
		}
	}
}

func (p *pipeline) process(ctx context.Context, f *frame.Frame) error {
	frames := []*frame.Frame{f}
	if p.filter != nil {
		filtered, err := p.filter.Process(ctx, f)
		f.Release(ctx)
		if err != nil {
			return fmt.Errorf("unable to process %s: %w", f, err)
		}
		frames = filtered
	}
	defer frame.ReleaseAll(ctx, frames)

	for _, f := range frames {
		if p.encoder == nil {
			p.framesOut.Inc()
			continue
		}
		encoded, err := p.encoder.Encode(ctx, f)
		if err != nil {
			return fmt.Errorf("unable to encode %s: %w", f, err)
		}
		if err := p.write(encoded); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) write(frames []*frame.EncodedFrame) error {
	for _, f := range frames {
		p.framesOut.Inc()
		p.bytesOut.Add(uint64(len(f.Data)))
		if p.output == nil {
			continue
		}
		if _, err := p.output.Write(f.Data); err != nil {
			return fmt.Errorf("unable to write %s: %w", f, err)
		}
	}
	return nil
}

type stats struct {
	Decoder   decoder.Stats
	Encoder   *encoder.Stats
	FramesOut uint64
	BytesOut  uint64
}

func (p *pipeline) Stats() stats {
	s := stats{
		Decoder:   p.decoder.Stats(),
		FramesOut: p.framesOut.Load(),
		BytesOut:  p.bytesOut.Load(),
	}
	if p.encoder != nil {
		encStats := p.encoder.Stats()
		s.Encoder = &encStats
	}
	return s
}

func (s stats) String() string {
	r := fmt.Sprintf(
		"in: %d frames (%s), discarded: %d, reinits: %d; out: %d frames",
		s.Decoder.FramesIn, humanize.Bytes(s.Decoder.BytesIn),
		s.Decoder.FramesDiscarded, s.Decoder.Reinits,
		s.FramesOut,
	)
	if s.Encoder != nil {
		r += fmt.Sprintf(" (%s, %d keyframes)", humanize.Bytes(s.BytesOut), s.Encoder.KeyFrames)
	}
	return r
}

func (p *pipeline) Close(ctx context.Context) error {
	var errs []error
	if p.encoder != nil {
		errs = append(errs, p.encoder.Close(ctx))
	}
	if p.filter != nil {
		errs = append(errs, p.filter.Close(ctx))
	}
	if p.decoder != nil {
		errs = append(errs, p.decoder.Close(ctx))
	}
	err := errors.Join(errs...)
	if err != nil {
		logger.Errorf(ctx, "unable to close the pipeline: %v", err)
	}
	return err
}
