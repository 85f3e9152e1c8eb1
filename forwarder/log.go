package forwarder

import "github.com/sirupsen/logrus"

var log = logrus.New()

func init() {
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Logger exposes the package logger so other components log through the
// same sink.
func Logger() *logrus.Logger {
	return log
}
