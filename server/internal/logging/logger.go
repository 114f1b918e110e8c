package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Init 按配置设置全局 logrus：级别、格式与输出。
// output 为 stdout/stderr/空 或文件路径；文件以追加方式打开。
func Init(level, format, output string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("invalid log level %s, defaulting to INFO log level", level)
		lvl = log.InfoLevel
	}

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	default:
		formatter := &log.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true}
		if lvl == log.DebugLevel {
			log.SetReportCaller(true)
			formatter.CallerPrettyfier = func(frame *runtime.Frame) (function string, file string) {
				fileName := path.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
				return "", fileName
			}
		}
		log.SetFormatter(formatter)
	}

	out, err := openOutput(output)
	if err != nil {
		return err
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	return nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", output, err)
		}
		return f, nil
	}
}

// New returns an entry tagged with the calling function name.
func New(fName string) *log.Entry {
	return log.WithFields(log.Fields{
		"fn": fmt.Sprintf("%s()", fName),
	})
}

func NewWithFields(fName string, fields map[string]interface{}) *log.Entry {
	f := log.Fields(fields)
	f["fn"] = fmt.Sprintf("%s()", fName)
	return log.WithFields(f)
}
