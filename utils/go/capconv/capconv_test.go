package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"sensormux/pkg/capture"
	"sensormux/pkg/record"
	"sensormux/pkg/video/h264"

	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{103, 0, 0, 0, 172, 217, 0}
	testPPS = []byte{0x68, 0xce}
	testIDR = []byte{0x65, 1, 2, 3}
	testP   = []byte{0x41, 4, 5}
)

func videoRecord(t *testing.T, timestamp float64, keyframe bool, nalu []byte) []byte {
	buf, err := record.EncodeVideoAccessUnit(timestamp, &capture.Sample{
		Attachments: capture.NotSync(!keyframe),
		Format:      capture.ParameterSets{SPS: testSPS, PPS: testPPS},
		Data:        capture.NewSliceBuffer(h264.AVCCMarshal([][]byte{nalu})),
	})
	require.NoError(t, err)
	return buf
}

func writeCapture(t *testing.T, dir string, records ...[]byte) string {
	path := filepath.Join(dir, "2021-01-01-00-00-00-000.bin")
	require.NoError(t, os.WriteFile(path, bytes.Join(records, nil), 0o600))
	return path
}

func newTestCapture(t *testing.T) string {
	return writeCapture(t, t.TempDir(),
		videoRecord(t, 0.9, false, testP),
		record.EncodeGyroscope(1, 2, 3, 4),
		videoRecord(t, 1, true, testIDR),
		videoRecord(t, 1.04, false, testP),
	)
}

func TestCountRecords(t *testing.T) {
	counts, err := countRecords(newTestCapture(t), record.ReaderOptions{})
	require.NoError(t, err)
	require.Equal(t, "gyroscope=1 encodedVideo=3", formatCounts(counts))
	require.Equal(t, "empty", formatCounts(nil))

	_, err = countRecords("/dev/null/nil", record.ReaderOptions{})
	require.Error(t, err)
}

func TestConvertH264(t *testing.T) {
	src := newTestCapture(t)
	dst := outputPath(src, ".h264")
	require.NoError(t, convertH264(src, dst, record.ReaderOptions{}))

	actual, err := os.ReadFile(dst)
	require.NoError(t, err)

	var expected []byte
	expected = append(expected, h264.AnnexBEncode([][]byte{testP})...)
	expected = append(expected, h264.AnnexBEncode([][]byte{testSPS, testPPS, testIDR})...)
	expected = append(expected, h264.AnnexBEncode([][]byte{testP})...)
	require.Equal(t, expected, actual)

	t.Run("noVideo", func(t *testing.T) {
		src := writeCapture(t, t.TempDir(), record.EncodeGyroscope(1, 2, 3, 4))
		require.ErrorIs(t, convertH264(src, outputPath(src, ".h264"), record.ReaderOptions{}), ErrNoVideo)
	})
}

func TestConvertMKV(t *testing.T) {
	src := newTestCapture(t)
	dst := outputPath(src, ".mkv")
	require.NoError(t, convertMKV(src, dst, record.ReaderOptions{}))

	actual, err := os.ReadFile(dst)
	require.NoError(t, err)
	// EBML magic.
	require.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, actual[:4])
	require.True(t, bytes.Contains(actual, []byte("V_MPEG4/ISO/AVC")))
	require.True(t, bytes.Contains(actual, h264.AVCCMarshal([][]byte{testIDR})))

	t.Run("noVideo", func(t *testing.T) {
		src := writeCapture(t, t.TempDir(), record.EncodeGyroscope(1, 2, 3, 4))
		require.ErrorIs(t, convertMKV(src, outputPath(src, ".mkv"), record.ReaderOptions{}), ErrNoVideo)
	})
}

func TestFindCaptures(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "sub", "b.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(b), 0o700))
	for _, path := range []string{a, b, filepath.Join(dir, "b.h264"), filepath.Join(dir, "c.txt")} {
		require.NoError(t, os.WriteFile(path, nil, 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.h264"), nil, 0o600))

	captures, err := findCaptures([]string{dir}, ".h264", false)
	require.NoError(t, err)
	require.Equal(t, []string{b}, captures)

	captures, err = findCaptures([]string{dir}, ".h264", true)
	require.NoError(t, err)
	require.Equal(t, []string{a, b}, captures)

	_, err = findCaptures([]string{"/dev/null/nil"}, ".h264", false)
	require.Error(t, err)
}

func TestRootCmd(t *testing.T) {
	src := newTestCapture(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", src})
	require.NoError(t, cmd.Execute())
	require.Equal(t, src+": gyroscope=1 encodedVideo=3\n", out.String())

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"h264", filepath.Dir(src)})
	require.NoError(t, cmd.Execute())
	require.FileExists(t, outputPath(src, ".h264"))
	require.Contains(t, out.String(), "[1/1][OK]")
}

func TestRowBytes(t *testing.T) {
	// 2x2 image with one byte of row padding.
	image, err := record.EncodeImage(1, capture.NewPlaneBuffer(2, 2, 3, []byte{1, 2, 0, 3, 4, 0}))
	require.NoError(t, err)
	src := writeCapture(t, t.TempDir(), image, record.EncodeGyroscope(2, 1, 2, 3))

	counts, err := countRecords(src, readerOptions(3))
	require.NoError(t, err)
	require.Equal(t, "image=1 gyroscope=1", formatCounts(counts))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--row-bytes", "3", src})
	require.NoError(t, cmd.Execute())
	require.Equal(t, src+": image=1 gyroscope=1\n", out.String())

	require.Nil(t, readerOptions(0).RowBytes)
	require.Equal(t, 3, readerOptions(3).RowBytes(2))
}
