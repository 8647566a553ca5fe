// Package capconv is a CLI utility that inspects capture files
// and converts their encoded video into h264 or mkv files.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sensormux/pkg/record"
	"sensormux/pkg/storage"
	"sensormux/pkg/video/h264"

	"github.com/at-wat/ebml-go/webm"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rowBytes int
	root := &cobra.Command{
		Use:          "capconv",
		Short:        "Inspect and convert capture files",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&rowBytes, "row-bytes", 0,
		"row stride of image records, zero is one byte per pixel")

	opts := func() record.ReaderOptions { return readerOptions(rowBytes) }
	root.AddCommand(
		newStatsCmd(opts),
		newConvertCmd("h264", "Write the encoded video as an Annex-B elementary stream", convertH264, opts),
		newConvertCmd("mkv", "Write the encoded video into a Matroska file", convertMKV, opts),
	)
	return root
}

// readerOptions returns options for images with a fixed row stride.
func readerOptions(rowBytes int) record.ReaderOptions {
	if rowBytes <= 0 {
		return record.ReaderOptions{}
	}
	return record.ReaderOptions{
		RowBytes: func(uint32) int { return rowBytes },
	}
}

type optionsFunc func() record.ReaderOptions

func newStatsCmd(opts optionsFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats CAPTURE...",
		Short: "Print the number of records per tag",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				counts, err := countRecords(path, opts())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v: %v\n", path, formatCounts(counts))
			}
			return nil
		},
	}
}

type convertFunc func(src, dst string, opts record.ReaderOptions) error

func newConvertCmd(ext, short string, convert convertFunc, opts optionsFunc) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   ext + " PATH...",
		Short: short + ", directories are searched for captures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			captures, err := findCaptures(args, "."+ext, force)
			if err != nil {
				return err
			}
			return convertAll(cmd.OutOrStdout(), captures, "."+ext, convert, opts())
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	return cmd
}

// findCaptures returns the captures in paths that have not been converted.
func findCaptures(paths []string, ext string, force bool) ([]string, error) {
	var captures []string
	for _, path := range paths {
		walkFunc := func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("%v %w", path, err)
			}
			if entry.IsDir() || filepath.Ext(path) != storage.CaptureExt {
				return nil
			}
			if !force {
				_, err = os.Stat(outputPath(path, ext))
				if !errors.Is(err, os.ErrNotExist) {
					return nil
				}
			}
			captures = append(captures, path)
			return nil
		}
		if err := filepath.WalkDir(path, walkFunc); err != nil {
			return nil, err
		}
	}
	return captures, nil
}

func outputPath(capture, ext string) string {
	return strings.TrimSuffix(capture, storage.CaptureExt) + ext
}

type result struct {
	capture string
	err     error
}

func convertAll(
	out io.Writer,
	captures []string,
	ext string,
	convert convertFunc,
	opts record.ReaderOptions,
) error {
	n := len(captures)
	fmt.Fprintf(out, "Found %v captures.\n", n)

	results := make(chan result, n)
	for _, capture := range captures {
		go func(capture string) {
			results <- result{
				capture: capture,
				err:     convert(capture, outputPath(capture, ext), opts),
			}
		}(capture)
	}

	var failed int
	for i := 1; i <= n; i++ {
		res := <-results
		if res.err != nil {
			failed++
			fmt.Fprintf(out, "[%v/%v][ERR] %v %v\n", i, n, res.capture, res.err)
			continue
		}
		fmt.Fprintf(out, "[%v/%v][OK] %v\n", i, n, outputPath(res.capture, ext))
	}
	if failed != 0 {
		return fmt.Errorf("%v of %v conversions failed", failed, n) //nolint:goerr113
	}
	return nil
}

// forEachRecord calls fn for every record in the capture.
func forEachRecord(path string, opts record.ReaderOptions, fn func(record.Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := record.NewReader(file, opts)
	for {
		r, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

func countRecords(path string, opts record.ReaderOptions) (map[record.Tag]int, error) {
	counts := make(map[record.Tag]int)
	err := forEachRecord(path, opts, func(r record.Record) error {
		counts[r.Tag()]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func formatCounts(counts map[record.Tag]int) string {
	tags := make([]record.Tag, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, fmt.Sprintf("%v=%v", tag, counts[tag]))
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}

// ErrNoVideo the capture has no keyframe with parameter sets.
var ErrNoVideo = errors.New("no encoded video keyframe")

func convertH264(src, dst string, opts record.ReaderOptions) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer out.Close()

	var written bool
	err = forEachRecord(src, opts, func(r record.Record) error {
		video, ok := r.(record.EncodedVideo)
		if !ok {
			return nil
		}
		nalus := video.NALUs
		if len(video.SPS) != 0 && len(video.PPS) != 0 {
			nalus = append([][]byte{video.SPS, video.PPS}, nalus...)
		}
		if len(nalus) == 0 {
			return nil
		}
		written = true
		_, err := out.Write(h264.AnnexBEncode(nalus))
		return err
	})
	if err != nil {
		return err
	}
	if !written {
		return ErrNoVideo
	}
	return out.Close()
}

// videoHeader returns the parameter sets of the first keyframe.
func videoHeader(src string, opts record.ReaderOptions) (*record.EncodedVideo, error) {
	errFound := errors.New("found")
	var first *record.EncodedVideo
	err := forEachRecord(src, opts, func(r record.Record) error {
		video, ok := r.(record.EncodedVideo)
		if !ok || len(video.SPS) == 0 || len(video.PPS) == 0 {
			return nil
		}
		first = &video
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	if first == nil {
		return nil, ErrNoVideo
	}
	return first, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func convertMKV(src, dst string, opts record.ReaderOptions) error {
	first, err := videoHeader(src, opts)
	if err != nil {
		return err
	}

	var sps h264.SPS
	if err := sps.Unmarshal(first.SPS); err != nil {
		return fmt.Errorf("parse sps: %w", err)
	}
	codecPrivate, err := h264.AVCDecoderConfig(first.SPS, first.PPS)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer out.Close()

	writers, err := webm.NewSimpleBlockWriter(nopCloser{out}, []webm.TrackEntry{{
		Name:         "Video",
		TrackNumber:  1,
		TrackUID:     1,
		CodecID:      "V_MPEG4/ISO/AVC",
		CodecPrivate: codecPrivate,
		TrackType:    1,
		Video: &webm.Video{
			PixelWidth:  uint64(sps.Width()),
			PixelHeight: uint64(sps.Height()),
		},
	}})
	if err != nil {
		return fmt.Errorf("create mkv writer: %w", err)
	}
	video := writers[0]

	// Frames before the first keyframe cannot be decoded.
	var started bool
	err = forEachRecord(src, opts, func(r record.Record) error {
		v, ok := r.(record.EncodedVideo)
		if !ok || len(v.NALUs) == 0 {
			return nil
		}
		keyframe := h264.IDRPresent(v.NALUs)
		if !started && !keyframe {
			return nil
		}
		started = true

		// Milliseconds, the default timecode scale.
		timestamp := int64((v.Timestamp - first.Timestamp) * 1000)
		_, err := video.Write(keyframe, timestamp, h264.AVCCMarshal(v.NALUs))
		return err
	})
	if err != nil {
		video.Close()
		return err
	}
	if err := video.Close(); err != nil {
		return fmt.Errorf("close mkv writer: %w", err)
	}
	return out.Close()
}
