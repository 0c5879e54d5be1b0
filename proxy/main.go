package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

const MirrorProxyVersion = "1.0"

var displayVersion = flag.Bool("version", false, "Display the mirror-proxy version and exit")
var configFile = flag.String("config", "", "Path to a YAML configuration file (optional, env vars take precedence)")

func main() {
	flag.Parse()
	if *displayVersion {
		fmt.Printf("mirror-proxy version %v\n", MirrorProxyVersion)
		os.Exit(0)
	}

	// Always record version information (very) early in the log
	log.Infof("mirror-proxy version %v", MirrorProxyVersion)

	launchProxy(*configFile)
}
