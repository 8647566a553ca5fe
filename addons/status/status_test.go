// SPDX-License-Identifier: GPL-2.0-or-later

package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sensormux/pkg/log"
	"sensormux/pkg/pipeline"
	"sensormux/pkg/storage"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

var errStub = errors.New("stub")

func stubCPU(_ context.Context, _ time.Duration, _ bool) ([]float64, error) {
	return []float64{11}, nil
}

func stubRAM() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{
		UsedPercent: 22.0,
	}, nil
}

func stubDisk(time.Duration) (storage.DiskUsage, error) {
	return storage.DiskUsage{
		Percent:   33,
		Formatted: "44",
	}, nil
}

func stubCPUErr(_ context.Context, _ time.Duration, _ bool) ([]float64, error) {
	return nil, errStub
}

func stubRAMErr() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{}, errStub
}

func stubDiskErr(time.Duration) (storage.DiskUsage, error) {
	return storage.DiskUsage{}, errStub
}

func stubStats(records uint64) statsFunc {
	return func() pipeline.Stats {
		return pipeline.Stats{
			PerTag: map[string]uint64{"image": records},
			Drops:  3,
		}
	}
}

func TestUpdate(t *testing.T) {
	cases := map[string]struct {
		cpu      cpuFunc
		ram      ramFunc
		disk     diskFunc
		expected status
		err      bool
	}{
		"cpuErr":  {stubCPUErr, stubRAM, stubDisk, status{}, true},
		"ramErr":  {stubCPU, stubRAMErr, stubDisk, status{}, true},
		"diskErr": {stubCPU, stubRAM, stubDiskErr, status{}, true},
		"ok": {stubCPU, stubRAM, stubDisk, status{
			DeviceID:           "id",
			CPUUsage:           11,
			RAMUsage:           22,
			DiskUsage:          33,
			DiskUsageFormatted: "44",
			Drops:              3,
		}, false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := system{
				cpu:      tc.cpu,
				ram:      tc.ram,
				disk:     tc.disk,
				stats:    stubStats(10),
				deviceID: "id",
			}
			err := s.update(context.Background())
			if tc.err {
				require.ErrorIs(t, err, errStub)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expected, s.getStatus())
		})
	}
}

func TestUpdateRecordRate(t *testing.T) {
	records := uint64(10)
	s := system{
		cpu:  stubCPU,
		ram:  stubRAM,
		disk: stubDisk,
		stats: func() pipeline.Stats {
			return pipeline.Stats{PerTag: map[string]uint64{"image": records}}
		},
	}
	require.NoError(t, s.update(context.Background()))
	require.Zero(t, s.getStatus().RecordRate)

	s.lastUpdate = time.Now().Add(-2 * time.Second)
	records = 30
	require.NoError(t, s.update(context.Background()))
	require.InDelta(t, 10, s.getStatus().RecordRate, 1)
}

func TestLoop(t *testing.T) {
	s := system{
		cpu:      stubCPUErr,
		ram:      stubRAM,
		disk:     stubDisk,
		stats:    stubStats(0),
		duration: time.Millisecond,
		log:      log.NewDummyLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s.StatusLoop(ctx)
}

func TestHandleStatus(t *testing.T) {
	s := &system{status: status{CPUUsage: 1, RAMUsage: 2}}

	w := httptest.NewRecorder()
	handleStatus(s).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var actual status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &actual))
	require.Equal(t, s.status, actual)

	w = httptest.NewRecorder()
	handleStatus(s).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
