// Command ferry runs and administers the ferry data-movement scheduler.
package main

import (
	_ "embed"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tigerroll/ferry/internal/app"
	"github.com/tigerroll/ferry/pkg/batch/support/util/logger"
)

// embeddedConfig is the default configuration document. ${VAR} placeholders and FERRY_*
// variables override it at startup.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

func main() {
	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}
	root := newRootCommand(app.Source{EmbeddedConfig: embeddedConfig, EnvFilePath: envFilePath})
	if err := root.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
