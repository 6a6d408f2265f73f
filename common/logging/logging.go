package logging

import (
	"context"
	"io"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	cst "wuyrush.io/linkvault/constants"
)

// ServiceFormatter is a Formatter that:
// 1. logs the unix time in milliseconds;
// 2. logs specified service/service component name;
type ServiceFormatter struct {
	svcName string
	log.Formatter
}

// I've noticed passing a mutated *log.Entry value to downstream formatter results in logs with panic level
// and empty message, but never sure about why it happens
func (f *ServiceFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Data["epochTimeMillis"] = e.Time.UnixNano() / int64(time.Millisecond)
	e.Data["service"] = f.svcName
	return f.Formatter.Format(e)
}

// SetupLog setups service-specific logging. Logs go to stdout, and additionally to a size-rotated file
// if LINKVAULT_LOG_PATH is set.
func SetupLog(name string) {
	log.SetOutput(output(viper.GetString(cst.EnvLogPath)))
	// use unix timestamp instead of zonal one
	f := &ServiceFormatter{
		svcName:   name,
		Formatter: &log.JSONFormatter{DisableTimestamp: true},
	}
	log.SetFormatter(f)
	log.SetLevel(log.InfoLevel)
	if viper.GetBool(cst.EnvVerbose) {
		log.SetLevel(log.DebugLevel)
	}
}

func output(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
}

// WithFuncName returns a *logrus.Entry marked with the name of function calling  WithFuncName
func WithFuncName() *log.Entry {
	// get the pc of the function that calls the current function
	pc, _, _, ok := runtime.Caller(1)
	var funcName string
	if ok {
		frs := runtime.CallersFrames([]uintptr{pc})
		fr, _ := frs.Next()
		funcName = fr.Function
	}
	return log.WithField(cst.LogFieldFuncName, funcName)
}

type ctxKeyRequestID struct{}

// WithRequestID returns a copy of ctx carrying the given request id
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID returns the request id carried by ctx, or empty string if there is none
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// FromContext returns e marked with the request id carried by ctx if any
func FromContext(ctx context.Context, e *log.Entry) *log.Entry {
	if id := RequestID(ctx); id != "" {
		return e.WithField(cst.LogFieldRequestID, id)
	}
	return e
}
