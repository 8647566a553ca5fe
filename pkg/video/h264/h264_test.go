package h264

import (
	"bytes"
	"testing"

	"github.com/icza/bitio"
	"github.com/stretchr/testify/require"
)

type spsWriter struct {
	buf *bytes.Buffer
	bw  *bitio.Writer
	t   *testing.T
}

func newSPSWriter(t *testing.T, profileIdc uint8) *spsWriter {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x67, profileIdc, 0, 40})
	return &spsWriter{buf: buf, bw: bitio.NewWriter(buf), t: t}
}

func (w *spsWriter) ue(v uint32) *spsWriter {
	v++
	n := uint8(0)
	for tmp := v; tmp > 1; tmp >>= 1 {
		n++
	}
	if n > 0 {
		require.NoError(w.t, w.bw.WriteBits(0, n))
	}
	require.NoError(w.t, w.bw.WriteBits(uint64(v), n+1))
	return w
}

func (w *spsWriter) flag(v bool) *spsWriter {
	require.NoError(w.t, w.bw.WriteBool(v))
	return w
}

func (w *spsWriter) bits(v uint64, n uint8) *spsWriter {
	require.NoError(w.t, w.bw.WriteBits(v, n))
	return w
}

func (w *spsWriter) bytes() []byte {
	// rbsp_stop_one_bit.
	w.flag(true)
	require.NoError(w.t, w.bw.Close())
	return w.buf.Bytes()
}

func TestSPSUnmarshal(t *testing.T) {
	t.Run("baseline", func(t *testing.T) {
		// 1280x720, no VUI.
		buf := newSPSWriter(t, 66).
			ue(0).         // id.
			ue(0).         // log2_max_frame_num_minus4.
			ue(0).         // pic_order_cnt_type.
			ue(2).         // log2_max_pic_order_cnt_lsb_minus4.
			ue(1).         // max_num_ref_frames.
			flag(false).   // gaps.
			ue(79).        // pic_width_in_mbs_minus1.
			ue(44).        // pic_height_in_map_units_minus1.
			flag(true).    // frame_mbs_only_flag.
			flag(true).    // direct_8x8_inference_flag.
			flag(false).   // frame_cropping_flag.
			flag(false).   // vui_parameters_present_flag.
			bytes()

		var sps SPS
		require.NoError(t, sps.Unmarshal(buf))
		require.Equal(t, uint8(66), sps.ProfileIdc)
		require.Equal(t, uint8(40), sps.LevelIdc)
		require.Equal(t, 1280, sps.Width())
		require.Equal(t, 720, sps.Height())
		require.Equal(t, float64(0), sps.FPS())
	})
	t.Run("highCroppedWithTiming", func(t *testing.T) {
		// 1920x1080 at 30fps.
		buf := newSPSWriter(t, 100).
			ue(0).         // id.
			ue(1).         // chroma_format_idc.
			ue(0).         // bit_depth_luma_minus8.
			ue(0).         // bit_depth_chroma_minus8.
			flag(false).   // qpprime_y_zero_transform_bypass_flag.
			flag(false).   // seq_scaling_matrix_present_flag.
			ue(0).         // log2_max_frame_num_minus4.
			ue(2).         // pic_order_cnt_type.
			ue(4).         // max_num_ref_frames.
			flag(false).   // gaps.
			ue(119).       // pic_width_in_mbs_minus1.
			ue(67).        // pic_height_in_map_units_minus1.
			flag(true).    // frame_mbs_only_flag.
			flag(true).    // direct_8x8_inference_flag.
			flag(true).    // frame_cropping_flag.
			ue(0).ue(0).   // left, right.
			ue(0).ue(4).   // top, bottom.
			flag(true).    // vui_parameters_present_flag.
			flag(true).    // aspect_ratio_info_present_flag.
			bits(255, 8).  // Extended SAR.
			bits(1, 16).   // sar_width.
			bits(1, 16).   // sar_height.
			flag(false).   // overscan_info_present_flag.
			flag(true).    // video_signal_type_present_flag.
			bits(5, 3).    // video_format.
			flag(false).   // video_full_range_flag.
			flag(true).    // colour_description_present_flag.
			bits(1, 24).   // colour description.
			flag(false).   // chroma_loc_info_present_flag.
			flag(true).    // timing_info_present_flag.
			bits(1, 32).   // num_units_in_tick.
			bits(60, 32).  // time_scale.
			flag(true).    // fixed_frame_rate_flag.
			bytes()

		var sps SPS
		require.NoError(t, sps.Unmarshal(buf))
		require.Equal(t, 1920, sps.Width())
		require.Equal(t, 1080, sps.Height())
		require.Equal(t, float64(30), sps.FPS())
		require.Equal(t, &SPSTiming{
			NumUnitsInTick:     1,
			TimeScale:          60,
			FixedFrameRateFlag: true,
		}, sps.Timing)
	})
	t.Run("interlaced", func(t *testing.T) {
		// From a real camera, pic_height_in_map_units is doubled.
		buf := []byte{103, 0, 0, 0, 172, 217, 0}
		var sps SPS
		require.NoError(t, sps.Unmarshal(buf))
		require.Equal(t, 16, sps.Width())
		require.Equal(t, 128, sps.Height())
	})
	t.Run("errors", func(t *testing.T) {
		var sps SPS
		require.ErrorIs(t, sps.Unmarshal([]byte{0x67, 1}), ErrSPSBufferTooShort)
		require.ErrorIs(t, sps.Unmarshal([]byte{0x68, 0, 0, 0}), ErrSPSWrongType)
		require.ErrorIs(t, sps.Unmarshal([]byte{0xe7, 0, 0, 0}), ErrSPSWrongForbiddenBit)
		require.Error(t, sps.Unmarshal([]byte{0x67, 66, 0, 40}))
	})
}

func TestAVCC(t *testing.T) {
	nalus := [][]byte{{0x65, 1, 2}, {0x41}, {}}
	buf := AVCCMarshal(nalus)
	require.Equal(t, []byte{
		0, 0, 0, 3, 0x65, 1, 2,
		0, 0, 0, 1, 0x41,
		0, 0, 0, 0,
	}, buf)

	actual, err := AVCCUnmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, nalus, actual)

	t.Run("empty", func(t *testing.T) {
		actual, err := AVCCUnmarshal(nil)
		require.NoError(t, err)
		require.Empty(t, actual)
	})
	t.Run("trailingBytes", func(t *testing.T) {
		_, err := AVCCUnmarshal([]byte{0, 0, 0, 1, 0x41, 0, 0})
		require.ErrorIs(t, err, ErrAVCCInvalidLength)
	})
	t.Run("shortNALU", func(t *testing.T) {
		_, err := AVCCUnmarshal([]byte{0, 0, 0, 3, 0x41})
		require.ErrorIs(t, err, ErrAVCCInvalidLength)
	})
	t.Run("tooBig", func(t *testing.T) {
		_, err := AVCCUnmarshal([]byte{0xff, 0, 0, 0})
		require.ErrorAs(t, err, &AVCCnaluSizeTooBigError{})
	})
}

func TestAVCDecoderConfig(t *testing.T) {
	config, err := AVCDecoderConfig([]byte{0x67, 100, 0, 40}, []byte{0x68, 1})
	require.NoError(t, err)
	require.Equal(t, []byte{
		1, 100, 0, 40, 0xff, 0xe1,
		0, 4, 0x67, 100, 0, 40,
		1, 0, 2, 0x68, 1,
	}, config)

	_, err = AVCDecoderConfig([]byte{0x67}, []byte{0x68})
	require.ErrorIs(t, err, ErrDecoderConfigInvalid)

	_, err = AVCDecoderConfig([]byte{0x67, 100, 0, 40}, nil)
	require.ErrorIs(t, err, ErrDecoderConfigInvalid)
}

func TestAnnexBEncode(t *testing.T) {
	require.Equal(t,
		[]byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1, 0x68},
		AnnexBEncode([][]byte{{0x67}, {0x68}}),
	)
}

func TestEmulationPreventionRemove(t *testing.T) {
	cases := []struct {
		input    []byte
		expected []byte
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}},
		{[]byte{0, 0, 3, 1}, []byte{0, 0, 1}},
		{[]byte{0, 0, 3, 0, 0, 3, 0}, []byte{0, 0, 0, 0, 0}},
		{[]byte{0, 3, 0, 3}, []byte{0, 3, 0, 3}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, EmulationPreventionRemove(tc.input))
	}
}

func TestTypes(t *testing.T) {
	require.Equal(t, NALUTypeIDR, TypeOf([]byte{0x65}))
	require.Equal(t, NALUType(0), TypeOf(nil))
	require.Equal(t, "SPS", NALUTypeSPS.String())
	require.True(t, IDRPresent([][]byte{{0x67}, {0x65}}))
	require.False(t, IDRPresent([][]byte{{0x41}}))
}
