package devtree

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Log is the logger used by the device tree and its collaborators.
var Log = logrus.New() //nolint:gochecknoglobals

// SetLogger replaces the package logger.
func SetLogger(logger *logrus.Logger) {
	Log = logger
}

// DisableLogging discards all log output.
func DisableLogging() {
	Log.SetOutput(io.Discard)
}

func devLog(d *Device) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"device": d.Name,
		"type":   d.Type(),
		"id":     d.ID,
	})
}
