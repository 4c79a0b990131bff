package signalr

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
)

// loggerConfig is read from testLogConf.json, e.g. {"Enabled": true, "Debug": true}, to see the logs of a test run.
type loggerConfig struct {
	Enabled bool
	Debug   bool
}

var (
	lConf    loggerConfig
	tLog     StructuredLogger
	tLogOnce sync.Once
)

func testLoggerOption() func(*HubConnection) error {
	logger := testLogger()
	return Logger(logger, lConf.Debug)
}

func testLogger() StructuredLogger {
	tLogOnce.Do(func() {
		if b, err := os.ReadFile("testLogConf.json"); err == nil {
			if err := json.Unmarshal(b, &lConf); err != nil {
				lConf = loggerConfig{}
			}
		}
		writer := io.Discard
		if lConf.Enabled {
			writer = os.Stderr
		}
		tLog = log.NewLogfmtLogger(log.NewSyncWriter(writer))
	})
	return tLog
}
