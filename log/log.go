package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/lxt1045/errors"
	"github.com/lxt1045/errors/zerolog"
	"github.com/lxt1045/localsocket/config"
	"github.com/lxt1045/localsocket/gid"
	"github.com/natefinch/lumberjack"
	rszlog "github.com/rs/zerolog"
)

var (
	output io.Writer = os.Stdout

	warnTimeout = 3 * time.Second
)

func init() {
	rszlog.TimeFieldFormat = time.RFC3339Nano
}

func GetOutput() io.Writer {
	return output
}

// SetOutput 测试时替换输出
func SetOutput(w io.Writer) (old io.Writer) {
	old, output = output, w
	return
}

func Init(ctx context.Context, conf config.Log) (err error) {
	if conf.Filename != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   conf.Filename,
			MaxSize:    conf.MaxSize, // 每个日志文件的最大大小，以MB为单位
			MaxAge:     conf.MaxAge,
			MaxBackups: conf.MaxBackups, // 最大保留的旧日志文件数量
			Compress:   conf.Compress,   // 是否压缩旧的日志文件
			LocalTime:  conf.LocalTime,
		}
		if conf.ToConsole {
			output = rszlog.MultiLevelWriter(os.Stdout, fileWriter)
		} else {
			output = fileWriter
		}
	}

	if conf.LogLevel == "" {
		return
	}
	l, err := Level(conf.LogLevel)
	if err != nil {
		return
	}
	zerolog.SetGlobalLevel(l)
	return
}

type logID struct{}

func New(writer ...io.Writer) *zerolog.Logger {
	w := output
	if len(writer) > 0 && writer[0] != nil {
		w = writer[0]
	}
	l := zerolog.New(w)
	l = l.Hook(th)
	return &l
}

func Level(l string) (zerolog.Level, error) {
	level, err := rszlog.ParseLevel(l)
	if err != nil {
		return zerolog.DebugLevel, errors.Errorf("unknown log level: %q", l)
	}
	return zerolog.Level(level), nil
}

// Ctx 取 ctx 上的 logger; ctx 上没有 logid 时新分配一个
func Ctx(ctx context.Context) *zerolog.Logger {
	_, ok := ctx.Value(logID{}).(int64)
	if ok {
		return zerolog.Ctx(ctx)
	}
	_, l := WithLogid(ctx, gid.GetGID())
	return l
}

func Logid(ctx context.Context) (logid int64, ok bool) {
	logid, ok = ctx.Value(logID{}).(int64)
	return
}

func WithLogid(ctx context.Context, logid int64) (context.Context, *zerolog.Logger) {
	ctx = context.WithValue(ctx, logID{}, logid)

	l := zerolog.New(output)
	l = l.Hook(logidHook{logid: logid})
	l = l.Hook(th)

	return l.Logger.WithContext(ctx), &l
}

// DeferLogger 用于 defer 中记录耗时、错误和 panic
func DeferLogger(ctx context.Context, loss time.Duration, err error, recove interface{}) *zerolog.Event {
	l := Ctx(ctx).Trace()
	if loss >= warnTimeout {
		l = Ctx(ctx).Warn()
	}
	if err != nil {
		l = Ctx(ctx).Error().Array("stack", errors.ZerologStack(5))
		l = l.Err(err)
	}
	if recove != nil {
		l = Ctx(ctx).Error().Array("stack", errors.ZerologStack(5))
		if err, ok := recove.(error); ok {
			l = l.Err(err)
		} else {
			l = l.Interface("recover", recove)
		}
	}
	return l.Int64("duration/ms", loss.Milliseconds())
}

type logidHook struct {
	logid int64
}

func (ch logidHook) Run(e *rszlog.Event, _ rszlog.Level, _ string) {
	e.Int64("logid", ch.logid)
}

type timestampHook struct{}

func (ts timestampHook) Run(e *rszlog.Event, _ rszlog.Level, _ string) {
	e.Timestamp()
}

var th = timestampHook{}
