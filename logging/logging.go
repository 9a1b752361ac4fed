// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// Setup sets the standard logger level and format. An empty level means
// info.
func Setup(level string, json bool, out io.Writer) error {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", level, err)
	}
	log.SetLevel(lvl)

	if json {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if out != nil {
		log.SetOutput(out)
	}
	return nil
}

// ForRun returns an entry tagged with the task and experiment id.
func ForRun(task, expID string) *log.Entry {
	return log.WithFields(log.Fields{
		"task":   task,
		"exp_id": expID,
	})
}
