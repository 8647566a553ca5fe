package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/icza/bitio"
)

func readGolombUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)

	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		if b != 0 {
			break
		}

		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, ErrSPSInvalidGolomb
		}
	}

	codeNum := uint32(0)

	for n := leadingZeroBits; n > 0; n-- {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}

		codeNum |= uint32(b) << (n - 1)
	}

	return (1 << leadingZeroBits) - 1 + codeNum, nil
}

func readGolombSigned(br *bitio.Reader) (int32, error) {
	v, err := readGolombUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)

	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}

	return -vi / 2, nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)

	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := readGolombSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// SPSCropping frame cropping offsets, in crop units.
type SPSCropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// SPSTiming VUI timing info.
type SPSTiming struct {
	NumUnitsInTick     uint32
	TimeScale          uint32
	FixedFrameRateFlag bool
}

// SPS is the subset of a H264 sequence parameter set needed
// to describe the picture size and rate.
type SPS struct {
	ProfileIdc uint8
	LevelIdc   uint8
	ID         uint32

	ChromaFormatIdc         uint32
	SeparateColourPlaneFlag bool

	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnlyFlag          bool

	// Nil if frame_cropping_flag is unset.
	Cropping *SPSCropping

	// Nil if VUI or its timing info is absent.
	Timing *SPSTiming
}

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
	ErrSPSInvalidGolomb     = errors.New("invalid exp-golomb code")
)

// Unmarshal decodes a SPS from bytes.
func (s *SPS) Unmarshal(buf []byte) error { //nolint:funlen
	// ref: ISO/IEC 14496-10:2020 7.3.2.1.1

	buf = EmulationPreventionRemove(buf)

	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}

	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if TypeOf(buf) != NALUTypeSPS {
		return fmt.Errorf("%w: %v", ErrSPSWrongType, TypeOf(buf))
	}

	s.ProfileIdc = buf[1]
	s.LevelIdc = buf[3]

	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	if s.ID, err = readGolombUnsigned(br); err != nil {
		return fmt.Errorf("id: %w", err)
	}

	if err = s.unmarshalChroma(br); err != nil {
		return fmt.Errorf("chroma: %w", err)
	}

	// log2_max_frame_num_minus4.
	if _, err = readGolombUnsigned(br); err != nil {
		return err
	}

	if err = skipPicOrderCnt(br); err != nil {
		return fmt.Errorf("pic order count: %w", err)
	}

	// max_num_ref_frames.
	if _, err = readGolombUnsigned(br); err != nil {
		return err
	}

	// gaps_in_frame_num_value_allowed_flag.
	if _, err = br.ReadBool(); err != nil {
		return err
	}

	if s.PicWidthInMbsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.PicHeightInMapUnitsMinus1, err = readGolombUnsigned(br); err != nil {
		return err
	}

	if s.FrameMbsOnlyFlag, err = br.ReadBool(); err != nil {
		return err
	}
	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag.
		if _, err = br.ReadBool(); err != nil {
			return err
		}
	}

	// direct_8x8_inference_flag.
	if _, err = br.ReadBool(); err != nil {
		return err
	}

	s.Cropping = nil
	frameCroppingFlag, err := br.ReadBool()
	if err != nil {
		return err
	}
	if frameCroppingFlag {
		var c SPSCropping
		for _, v := range []*uint32{&c.LeftOffset, &c.RightOffset, &c.TopOffset, &c.BottomOffset} {
			if *v, err = readGolombUnsigned(br); err != nil {
				return fmt.Errorf("cropping: %w", err)
			}
		}
		s.Cropping = &c
	}

	s.Timing = nil
	vuiParametersPresentFlag, err := br.ReadBool()
	if err != nil {
		return err
	}
	if vuiParametersPresentFlag {
		if s.Timing, err = readVUITiming(br); err != nil {
			return fmt.Errorf("vui: %w", err)
		}
	}

	return nil
}

func (s *SPS) unmarshalChroma(br *bitio.Reader) error {
	s.ChromaFormatIdc = 1
	s.SeparateColourPlaneFlag = false

	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
	default:
		return nil
	}

	var err error
	if s.ChromaFormatIdc, err = readGolombUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		if s.SeparateColourPlaneFlag, err = br.ReadBool(); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8.
	for i := 0; i < 2; i++ {
		if _, err = readGolombUnsigned(br); err != nil {
			return err
		}
	}

	// qpprime_y_zero_transform_bypass_flag.
	if _, err = br.ReadBool(); err != nil {
		return err
	}

	seqScalingMatrixPresentFlag, err := br.ReadBool()
	if err != nil || !seqScalingMatrixPresentFlag {
		return err
	}

	lim := 8
	if s.ChromaFormatIdc == 3 {
		lim = 12
	}
	for i := 0; i < lim; i++ {
		present, err := br.ReadBool()
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func skipPicOrderCnt(br *bitio.Reader) error {
	picOrderCntType, err := readGolombUnsigned(br)
	if err != nil {
		return err
	}

	switch picOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4.
		_, err = readGolombUnsigned(br)
		return err

	case 1:
		// delta_pic_order_always_zero_flag.
		if _, err = br.ReadBool(); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field.
		for i := 0; i < 2; i++ {
			if _, err = readGolombSigned(br); err != nil {
				return err
			}
		}
		numRefFramesInPicOrderCntCycle, err := readGolombUnsigned(br)
		if err != nil {
			return err
		}
		for i := uint32(0); i < numRefFramesInPicOrderCntCycle; i++ {
			if _, err = readGolombSigned(br); err != nil {
				return err
			}
		}
	}
	return nil
}

// readVUITiming reads the VUI up to and including the timing info.
func readVUITiming(br *bitio.Reader) (*SPSTiming, error) {
	aspectRatioInfoPresentFlag, err := br.ReadBool()
	if err != nil {
		return nil, err
	}
	if aspectRatioInfoPresentFlag {
		aspectRatioIdc, err := br.ReadBits(8)
		if err != nil {
			return nil, err
		}
		const extendedSAR = 255
		if aspectRatioIdc == extendedSAR {
			// sar_width, sar_height.
			if _, err := br.ReadBits(32); err != nil {
				return nil, err
			}
		}
	}

	overscanInfoPresentFlag, err := br.ReadBool()
	if err != nil {
		return nil, err
	}
	if overscanInfoPresentFlag {
		if _, err := br.ReadBool(); err != nil {
			return nil, err
		}
	}

	videoSignalTypePresentFlag, err := br.ReadBool()
	if err != nil {
		return nil, err
	}
	if videoSignalTypePresentFlag {
		// video_format, video_full_range_flag.
		if _, err := br.ReadBits(4); err != nil {
			return nil, err
		}
		colourDescriptionPresentFlag, err := br.ReadBool()
		if err != nil {
			return nil, err
		}
		if colourDescriptionPresentFlag {
			if _, err := br.ReadBits(24); err != nil {
				return nil, err
			}
		}
	}

	chromaLocInfoPresentFlag, err := br.ReadBool()
	if err != nil {
		return nil, err
	}
	if chromaLocInfoPresentFlag {
		for i := 0; i < 2; i++ {
			if _, err := readGolombUnsigned(br); err != nil {
				return nil, err
			}
		}
	}

	timingInfoPresentFlag, err := br.ReadBool()
	if err != nil || !timingInfoPresentFlag {
		return nil, err
	}

	var t SPSTiming
	v, err := br.ReadBits(32)
	if err != nil {
		return nil, err
	}
	t.NumUnitsInTick = uint32(v)

	v, err = br.ReadBits(32)
	if err != nil {
		return nil, err
	}
	t.TimeScale = uint32(v)

	if t.FixedFrameRateFlag, err = br.ReadBool(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s SPS) cropUnits() (uint32, uint32) {
	frameMbsOnly := uint32(0)
	if s.FrameMbsOnlyFlag {
		frameMbsOnly = 1
	}

	if s.SeparateColourPlaneFlag || s.ChromaFormatIdc == 0 {
		return 1, 2 - frameMbsOnly
	}

	subWidthC, subHeightC := uint32(2), uint32(2)
	switch s.ChromaFormatIdc {
	case 2:
		subHeightC = 1
	case 3:
		subWidthC, subHeightC = 1, 1
	}
	return subWidthC, subHeightC * (2 - frameMbsOnly)
}

// Width returns the video width.
func (s SPS) Width() int {
	width := (s.PicWidthInMbsMinus1 + 1) * 16
	if s.Cropping != nil {
		cropX, _ := s.cropUnits()
		width -= (s.Cropping.LeftOffset + s.Cropping.RightOffset) * cropX
	}
	return int(width)
}

// Height returns the video height.
func (s SPS) Height() int {
	f := uint32(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}

	height := (2 - f) * (s.PicHeightInMapUnitsMinus1 + 1) * 16
	if s.Cropping != nil {
		_, cropY := s.cropUnits()
		height -= (s.Cropping.TopOffset + s.Cropping.BottomOffset) * cropY
	}
	return int(height)
}

// FPS returns the frame per second of the video, zero if unknown.
func (s SPS) FPS() float64 {
	if s.Timing == nil || s.Timing.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.Timing.TimeScale) / (2 * float64(s.Timing.NumUnitsInTick))
}
