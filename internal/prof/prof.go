// Package prof runs continuous profiling against a Pyroscope server.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/lmlabs-api/internal/log"
	"github.com/keithlinneman/lmlabs-api/internal/version"
	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string // defaults to version.AppName
	ServerAddress string
	TenantID      string
	BasicAuthUser string
	BasicAuthPass string
	Tags          map[string]string
	UploadRate    time.Duration

	// MutexProfileFraction and BlockProfileRate are passed to the runtime
	// when positive.
	MutexProfileFraction int
	BlockProfileRate     int
}

// StopFunc stops the profiler and flushes what it has collected.
type StopFunc func()

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// pyroLogger forwards the client's printf-style logging to our logger.
type pyroLogger struct {
	L log.Logger
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.L.Error(context.Background(), xerrors.New(msg), "pyroscope client")
}

// Start begins profiling when enabled. The returned StopFunc is never nil.
func Start(ctx context.Context, opts Options) (StopFunc, error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Debug(ctx, "profiling disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		return noop, xerrors.New("prof: profiling enabled without a server address")
	}
	if opts.AppName == "" {
		opts.AppName = version.AppName
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	L = L.With("app_name", opts.AppName, "server_address", opts.ServerAddress)
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		TenantID:          opts.TenantID,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPass,
		Tags:              opts.Tags,
		UploadRate:        opts.UploadRate,
		Logger:            pyroLogger{L: L},
		ProfileTypes:      profileTypes,
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "prof: start pyroscope")
	}
	L.Info(ctx, "profiling started")

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "error", err)
			return
		}
		L.Info(context.Background(), "profiling stopped")
	}, nil
}
