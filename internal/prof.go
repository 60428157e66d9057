package internal

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/oneconcern/codeship/internal/rand"
)

// StartCPUProf writes a cpu profile to path until the returned function is called
func StartCPUProf(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

func writeProfIfNExist(path string, name string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}
	fprof, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fprof.Close()
	return pprof.Lookup(name).WriteTo(fprof, 0)
}

// WriteMemProf writes heap and allocs profiles to a directory.
// Existing profiles are left untouched. It returns the base name of the profiles.
func WriteMemProf(dir, prefix string) (string, error) {
	if prefix == "" {
		prefix = "mem_" + rand.LetterString(3)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	basePath := filepath.Join(dir, prefix)
	if err := writeProfIfNExist(basePath+".mem.prof", "heap"); err != nil {
		return "", err
	}
	if err := writeProfIfNExist(basePath+".alloc.prof", "allocs"); err != nil {
		return "", err
	}
	return basePath, nil
}

// MemPoll logs heap growth every interval, until the context is done
func MemPoll(ctx context.Context, interval time.Duration, l *zap.Logger) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		mstats := new(runtime.MemStats)
		var maxHeapThusFar uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			runtime.ReadMemStats(mstats)
			if mstats.HeapSys > maxHeapThusFar {
				maxHeapThusFar = mstats.HeapSys
				l.Info("grew heap",
					zap.String("heap (un-GC)", units.BytesSize(float64(mstats.Alloc))),
					zap.String("heap (max ever)", units.BytesSize(float64(mstats.HeapSys))),
					zap.Int("num go routines", runtime.NumGoroutine()),
				)
			}
		}
	}()
}
