// SPDX-License-Identifier: GPL-2.0-or-later

package record

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"sensormux/pkg/capture"

	"github.com/stretchr/testify/require"
)

func f64(v float64) []byte { return appendFloat64(nil, v) }
func u32(v uint32) []byte  { return appendUint32(nil, v) }

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestEncodeMotion(t *testing.T) {
	cases := []struct {
		tag    Tag
		encode func(ts, x, y, z float64) []byte
	}{
		{TagGyroscope, EncodeGyroscope},
		{TagAccelerometer, EncodeAccelerometer},
		{TagMagnetometer, EncodeMagnetometer},
	}
	for _, tc := range cases {
		t.Run(tc.tag.String(), func(t *testing.T) {
			for _, v := range []float64{0, -1.5, math.MaxFloat64, math.Inf(-1)} {
				buf := tc.encode(v, 1, 2, 3)
				require.Len(t, buf, 1+8*4)
				require.Equal(t, byte(tc.tag), buf[0])
				require.Equal(t, concat([]byte{byte(tc.tag)}, f64(v), f64(1), f64(2), f64(3)), buf)

				rec, err := Unmarshal(buf)
				require.NoError(t, err)
				require.Equal(t, Motion{Kind: tc.tag, Timestamp: v, X: 1, Y: 2, Z: 3}, rec)
			}
		})
	}
	t.Run("altimeter", func(t *testing.T) {
		buf := EncodeAltimeter(4, 101.3, -0.5)
		require.Len(t, buf, 1+8*3)
		require.Equal(t, byte(TagAltimeter), buf[0])

		rec, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, Altimeter{Timestamp: 4, Pressure: 101.3, RelativeAltitude: -0.5}, rec)
	})
	t.Run("notMotion", func(t *testing.T) {
		_, err := EncodeMotion(TagImage, 0, 0, 0, 0)
		require.ErrorIs(t, err, ErrMotionKind)
		_, err = EncodeMotion(TagAltimeter, 0, 0, 0, 0)
		require.ErrorIs(t, err, ErrMotionKind)
	})
}

type badImageBuffer struct {
	*capture.PlaneBuffer
	lockErr  error
	unlocked bool
}

func (b *badImageBuffer) Lock() error {
	if b.lockErr != nil {
		return b.lockErr
	}
	return b.PlaneBuffer.Lock()
}

func (b *badImageBuffer) Unlock() {
	b.unlocked = true
	b.PlaneBuffer.Unlock()
}

func TestEncodeImage(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		// Stride of 3 with 2 pixel wide rows.
		pixels := []byte{1, 2, 0, 3, 4, 0, 9, 9}
		img := capture.NewPlaneBuffer(2, 2, 3, pixels)

		buf, err := EncodeImage(1.5, img)
		require.NoError(t, err)
		require.Equal(t, concat(
			[]byte{byte(TagImage)}, f64(1.5), u32(2), u32(2),
			[]byte{1, 2, 0, 3, 4, 0},
		), buf)
		require.False(t, img.Locked())
	})
	t.Run("missing", func(t *testing.T) {
		buf, err := EncodeImage(0, nil)
		require.ErrorIs(t, err, ErrDropped)
		require.ErrorIs(t, err, ErrImageBufferMissing)
		require.Nil(t, buf)
	})
	t.Run("lockErr", func(t *testing.T) {
		img := &badImageBuffer{
			PlaneBuffer: capture.NewPlaneBuffer(1, 1, 1, []byte{1}),
			lockErr:     errors.New("mock"),
		}
		buf, err := EncodeImage(0, img)
		require.ErrorIs(t, err, ErrImageBufferLock)
		require.ErrorIs(t, err, ErrDropped)
		require.Nil(t, buf)
		require.False(t, img.unlocked)
	})
	t.Run("alreadyLocked", func(t *testing.T) {
		img := capture.NewPlaneBuffer(1, 1, 1, []byte{1})
		require.NoError(t, img.Lock())
		_, err := EncodeImage(0, img)
		require.ErrorIs(t, err, capture.ErrAlreadyLocked)
		require.ErrorIs(t, err, ErrDropped)
	})
	t.Run("short", func(t *testing.T) {
		img := &badImageBuffer{PlaneBuffer: capture.NewPlaneBuffer(2, 2, 2, []byte{1, 2, 3})}
		buf, err := EncodeImage(0, img)
		require.ErrorIs(t, err, ErrImageBufferShort)
		require.Nil(t, buf)
		require.True(t, img.unlocked)
	})
}

type badDataBuffer struct{ total int }

func (b badDataBuffer) TotalLength() int { return b.total }

func (badDataBuffer) DataPointer(int) ([]byte, error) {
	return nil, errors.New("mock")
}

func avcc(nalus ...[]byte) []byte {
	var buf []byte
	for _, n := range nalus {
		buf = append(buf, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

func TestEncodeVideoAccessUnit(t *testing.T) {
	sps := []byte{0x67, 1, 2, 3}
	pps := []byte{0x68, 4}
	n1 := []byte{0x65, 0xa, 0xb}
	n2 := []byte{0x65, 0xc}
	format := capture.ParameterSets{SPS: sps, PPS: pps}

	t.Run("keyframe", func(t *testing.T) {
		for _, att := range []*capture.Attachments{{}, capture.NotSync(false)} {
			buf, err := EncodeVideoAccessUnit(2, &capture.Sample{
				Attachments: att,
				Format:      format,
				Data:        capture.NewSliceBuffer(avcc(n1, n2)),
			})
			require.NoError(t, err)
			require.Equal(t, concat(
				[]byte{byte(TagEncodedVideo)}, f64(2),
				u32(4), sps, u32(2), pps,
				u32(3), n1, u32(2), n2,
				u32(0),
			), buf)

			rec, err := Unmarshal(buf)
			require.NoError(t, err)
			video := rec.(EncodedVideo)
			require.Len(t, video.SPS, len(sps))
			require.Len(t, video.PPS, len(pps))
			require.Equal(t, [][]byte{n1, n2}, video.NALUs)
			require.True(t, video.IsKeyframe())
		}
	})
	t.Run("nonKeyframe", func(t *testing.T) {
		buf, err := EncodeVideoAccessUnit(3, &capture.Sample{
			Attachments: capture.NotSync(true),
			Format:      format,
			Data:        capture.NewSliceBuffer(avcc([]byte{0x41, 1})),
		})
		require.NoError(t, err)
		require.Equal(t, concat(
			[]byte{byte(TagEncodedVideo)}, f64(3),
			u32(0), u32(0),
			u32(2), []byte{0x41, 1},
			u32(0),
		), buf)

		rec, err := Unmarshal(buf)
		require.NoError(t, err)
		require.False(t, rec.(EncodedVideo).IsKeyframe())
	})
	t.Run("keyframeWithoutFormat", func(t *testing.T) {
		buf, err := EncodeVideoAccessUnit(0, &capture.Sample{
			Attachments: &capture.Attachments{},
			Data:        capture.NewSliceBuffer(avcc(n1)),
		})
		require.NoError(t, err)
		require.Equal(t, concat(
			[]byte{byte(TagEncodedVideo)}, f64(0),
			u32(0), u32(0), u32(3), n1, u32(0),
		), buf)
	})
	t.Run("emptyParameterSets", func(t *testing.T) {
		buf, err := EncodeVideoAccessUnit(0, &capture.Sample{
			Attachments: &capture.Attachments{},
			Format:      capture.ParameterSets{SPS: []byte{}, PPS: pps},
			Data:        capture.NewSliceBuffer(avcc(n1)),
		})
		require.NoError(t, err)
		require.Equal(t, concat(
			[]byte{byte(TagEncodedVideo)}, f64(0),
			u32(0), u32(2), pps, u32(3), n1, u32(0),
		), buf)
	})
	t.Run("blocks", func(t *testing.T) {
		data := avcc(n1, n2)
		buf, err := EncodeVideoAccessUnit(0, &capture.Sample{
			Attachments: capture.NotSync(true),
			Data:        capture.NewBlockBuffer(data[:2], data[2:6], data[6:]),
		})
		require.NoError(t, err)
		rec, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, [][]byte{n1, n2}, rec.(EncodedVideo).NALUs)
	})
	t.Run("zeroLengthNALUSkipped", func(t *testing.T) {
		buf, err := EncodeVideoAccessUnit(0, &capture.Sample{
			Attachments: capture.NotSync(true),
			Data:        capture.NewSliceBuffer(avcc(n1, []byte{}, n2)),
		})
		require.NoError(t, err)
		rec, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, [][]byte{n1, n2}, rec.(EncodedVideo).NALUs)
	})
	t.Run("emptyData", func(t *testing.T) {
		buf, err := EncodeVideoAccessUnit(0, &capture.Sample{
			Attachments: capture.NotSync(true),
			Data:        capture.NewSliceBuffer(nil),
		})
		require.NoError(t, err)
		require.Equal(t, concat([]byte{byte(TagEncodedVideo)}, f64(0), u32(0), u32(0), u32(0)), buf)
	})

	drops := map[string]struct {
		sample   *capture.Sample
		expected error
	}{
		"nilSample": {nil, ErrDataBufferMissing},
		"noData": {
			&capture.Sample{Attachments: &capture.Attachments{}},
			ErrDataBufferMissing,
		},
		"noAttachments": {
			&capture.Sample{Data: capture.NewSliceBuffer(avcc(n1))},
			ErrAttachmentsMissing,
		},
		"unreadable": {
			&capture.Sample{Attachments: &capture.Attachments{}, Data: badDataBuffer{total: 5}},
			ErrDataBufferRead,
		},
		"trailing": {
			&capture.Sample{
				Attachments: &capture.Attachments{},
				Data:        capture.NewSliceBuffer(append(avcc(n1), 0, 0)),
			},
			ErrAVCCTrailing,
		},
		"truncatedNALU": {
			&capture.Sample{
				Attachments: &capture.Attachments{},
				Data:        capture.NewSliceBuffer(avcc(n1)[:5]),
			},
			ErrAVCCTrailing,
		},
	}
	for name, tc := range drops {
		t.Run(name, func(t *testing.T) {
			buf, err := EncodeVideoAccessUnit(0, tc.sample)
			require.ErrorIs(t, err, tc.expected)
			require.ErrorIs(t, err, ErrDropped)
			require.Nil(t, buf)
		})
	}
}

func TestReader(t *testing.T) {
	img := capture.NewPlaneBuffer(3, 2, 4, []byte{1, 2, 3, 0, 4, 5, 6, 0})
	imageRec, err := EncodeImage(1, img)
	require.NoError(t, err)
	videoRec, err := EncodeVideoAccessUnit(2, &capture.Sample{
		Attachments: &capture.Attachments{},
		Format:      capture.ParameterSets{SPS: []byte{0xaa}, PPS: []byte{0xbb}},
		Data:        capture.NewSliceBuffer(avcc([]byte{1, 2})),
	})
	require.NoError(t, err)

	stream := concat(
		EncodeGyroscope(0.5, 1, 2, 3),
		imageRec,
		videoRec,
		EncodeAltimeter(3, 100, 1),
	)

	r := NewReader(bytes.NewReader(stream), ReaderOptions{
		RowBytes: func(width uint32) int { return int(width) + 1 },
	})
	var records []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.Equal(t, []Record{
		Motion{Kind: TagGyroscope, Timestamp: 0.5, X: 1, Y: 2, Z: 3},
		Image{Timestamp: 1, Width: 3, Height: 2, Pixels: []byte{1, 2, 3, 0, 4, 5, 6, 0}},
		EncodedVideo{
			Timestamp: 2,
			SPS:       []byte{0xaa},
			PPS:       []byte{0xbb},
			NALUs:     [][]byte{{1, 2}},
		},
		Altimeter{Timestamp: 3, Pressure: 100, RelativeAltitude: 1},
	}, records)

	t.Run("defaultRowBytes", func(t *testing.T) {
		buf, err := EncodeImage(1, capture.NewPlaneBuffer(2, 1, 2, []byte{7, 8}))
		require.NoError(t, err)
		rec, err := NewReader(bytes.NewReader(buf), ReaderOptions{}).Next()
		require.NoError(t, err)
		require.Equal(t, []byte{7, 8}, rec.(Image).Pixels)
	})
	t.Run("unexpectedEOF", func(t *testing.T) {
		for _, n := range []int{1, 5, len(videoRec) - 1} {
			_, err := NewReader(bytes.NewReader(videoRec[:n]), ReaderOptions{}).Next()
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("tags", func(t *testing.T) {
		for _, tag := range []Tag{TagDeviceMotion, TagLocation, TagReserved7} {
			_, err := Unmarshal([]byte{byte(tag)})
			require.ErrorIs(t, err, ErrReservedTag)
		}
		_, err := Unmarshal([]byte{9})
		require.ErrorIs(t, err, ErrUnknownTag)
	})
	t.Run("trailingBytes", func(t *testing.T) {
		_, err := Unmarshal(append(EncodeGyroscope(0, 0, 0, 0), 1))
		require.ErrorIs(t, err, ErrTrailingBytes)
	})
	t.Run("invalidSize", func(t *testing.T) {
		buf := concat([]byte{byte(TagEncodedVideo)}, f64(0), u32(math.MaxUint32))
		_, err := Unmarshal(buf)
		require.ErrorIs(t, err, ErrInvalidSize)
	})
}

func TestTag(t *testing.T) {
	require.Equal(t, "encodedVideo", TagEncodedVideo.String())
	require.Equal(t, "tag(200)", Tag(200).String())
	for _, tag := range Tags() {
		require.False(t, tag.Reserved())
	}
	require.True(t, TagLocation.Reserved())
}
