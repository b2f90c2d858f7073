package main

import (
	"github.com/OFFIS-RIT/pivot/internal/server"
	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		JSON:   util.GetEnvBool("LOG_JSON", false),
		Prefix: "server",
	})
	logger.Init(consoleLogger)

	server.Init()
}
