package server

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nodepool/pkg/log"

	"github.com/labstack/echo/v4"
)

// HostInfo describes the process hosting the pool.
type HostInfo struct {
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Goroutines    int           `json:"goroutines"`
	Memory        MemoryInfo    `json:"memory"`
	LoadAverages  *LoadAverages `json:"load_averages,omitempty"`
	Storage       *StorageInfo  `json:"storage,omitempty"`
}

// LoadAverages represents system load information.
type LoadAverages struct {
	Load1  float64 `json:"load_1"`
	Load5  float64 `json:"load_5"`
	Load15 float64 `json:"load_15"`
}

// MemoryInfo is the Go runtime's view of process memory.
type MemoryInfo struct {
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapInuse uint64 `json:"heap_inuse"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"num_gc"`
}

// StorageInfo represents disk usage of the record store's directory.
type StorageInfo struct {
	Path      string `json:"path"`
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// getHostInfo handles GET /host/info.
func (s *Server) getHostInfo(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.collectHostInfo())
}

func (s *Server) collectHostInfo() HostInfo {
	uptime := int64(time.Since(s.startedAt).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	info := HostInfo{
		Version:       s.version,
		Uptime:        formatUptime(uptime),
		UptimeSeconds: uptime,
		Goroutines:    runtime.NumGoroutine(),
		Memory: MemoryInfo{
			HeapAlloc: mem.HeapAlloc,
			HeapInuse: mem.HeapInuse,
			Sys:       mem.Sys,
			NumGC:     mem.NumGC,
		},
	}

	// Load averages only exist on Linux; elsewhere they are omitted.
	if load, err := getLoadAverages(); err == nil {
		info.LoadAverages = load
	}

	if s.storagePath != "" {
		storage, err := getStorageInfo(filepath.Dir(s.storagePath))
		if err != nil {
			log.Debug().Err(err).Str("path", s.storagePath).Msg("Failed to stat storage directory")
		} else {
			info.Storage = storage
		}
	}
	return info
}

// getLoadAverages reads load averages from /proc/loadavg.
func getLoadAverages() (*LoadAverages, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return nil, err
	}
	return parseLoadAverages(string(data))
}

func parseLoadAverages(data string) (*LoadAverages, error) {
	const minLoadFields = 3
	fields := strings.Fields(data)
	if len(fields) < minLoadFields {
		return nil, strconv.ErrSyntax
	}

	var values [minLoadFields]float64
	for i := range values {
		value, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}

	return &LoadAverages{
		Load1:  values[0],
		Load5:  values[1],
		Load15: values[2],
	}, nil
}

// getStorageInfo gets disk usage information for the specified directory.
func getStorageInfo(path string) (*StorageInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}

	blockSize := uint64(stat.Bsize) // #nosec G115 - syscall values are system dependent

	total := stat.Blocks * blockSize
	available := stat.Bavail * blockSize

	return &StorageInfo{
		Path:      path,
		Total:     total,
		Used:      total - available,
		Available: available,
	}, nil
}

// formatUptime converts seconds to human-readable format.
func formatUptime(seconds int64) string {
	duration := time.Duration(seconds) * time.Second
	const hoursInDay = 24
	const minutesInHour = 60
	days := int(duration.Hours()) / hoursInDay
	hours := int(duration.Hours()) % hoursInDay
	minutes := int(duration.Minutes()) % minutesInHour

	switch {
	case days > 0:
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	case hours > 0:
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	default:
		return strconv.Itoa(minutes) + "m"
	}
}
