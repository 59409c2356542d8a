package libav

import (
	"context"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/logger"
)

func TestLogLevelMapping(t *testing.T) {
	for _, level := range []logger.Level{
		logger.LevelFatal,
		logger.LevelPanic,
		logger.LevelError,
		logger.LevelWarning,
		logger.LevelInfo,
		logger.LevelDebug,
		logger.LevelTrace,
	} {
		t.Run(level.String(), func(t *testing.T) {
			require.Equal(t, level, LogLevelFromAstiav(LogLevelToAstiav(level)))
		})
	}
	require.Equal(t, astiav.LogLevelQuiet, LogLevelToAstiav(logger.LevelUndefined))
}

func TestCodecIDToAstiav(t *testing.T) {
	id, ok := CodecIDToAstiav(hw.CodecIDAVC)
	require.True(t, ok)
	require.Equal(t, astiav.CodecIDH264, id)

	_, ok = CodecIDToAstiav(hw.CodecID(1))
	require.False(t, ok)
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	e := New(Config{})

	_, err := e.Open(ctx, hw.ImplementationHardware)
	require.ErrorIs(t, err, hw.StatusErrUnsupported)

	sess, err := e.Open(ctx, hw.ImplementationAuto)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.OpenCount.Load())

	impl, st := sess.QueryImplementation(ctx)
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, hw.ImplementationSoftware, impl)

	require.Equal(t, hw.StatusErrUnsupported, sess.Join(ctx, sess))
	require.Equal(t, hw.StatusErrUnsupported, sess.Encode().Init(ctx, &hw.VideoParam{CodecID: hw.CodecIDAVC}))
	require.Equal(t, hw.StatusErrUnsupported, sess.VPP().Init(ctx, &hw.VideoParam{}))

	var out hw.VideoParam
	require.Equal(t, hw.StatusErrUnsupported, sess.Decode().Query(ctx, &hw.VideoParam{CodecID: hw.CodecID(1)}, &out))
	require.Equal(t, hw.StatusOK, sess.Decode().Query(ctx, &hw.VideoParam{CodecID: hw.CodecIDHEVC}, &out))
	require.Equal(t, hw.CodecIDHEVC, out.CodecID)

	par := &hw.VideoParam{CodecID: hw.CodecIDVP9, FrameInfo: hw.FrameInfo{Width: 64, Height: 48}}
	require.Equal(t, hw.StatusOK, sess.Decode().DecodeHeader(ctx, &hw.Bitstream{}, par))
	require.Equal(t, hw.FourCCNV12, par.FrameInfo.FourCC)

	require.Equal(t, hw.StatusErrNotInitialized, sess.Decode().Close(ctx))
	_, _, st = sess.Decode().DecodeFrameAsync(ctx, nil, nil)
	require.Equal(t, hw.StatusErrNotInitialized, st)

	require.Equal(t, hw.StatusOK, sess.Close(ctx))
	require.Equal(t, hw.StatusErrNotInitialized, sess.Close(ctx))
	require.Equal(t, uint64(1), e.CloseCount.Load())
}
