package main

import (
	"flag"
	"log"

	"github.com/danmuck/edgebus/internal/config"
	logs "github.com/danmuck/edgebus/internal/logging"
)

const defaultPath = "edgebus.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logs.ConfigureRuntime()

	if *validate {
		cfg, err := config.LoadClientConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		logs.Infof("validated %s servers=%v tls=%t streaming_cluster=%s",
			*input, cfg.RedactedServers(), cfg.Session.TLS.Enabled, cfg.Streaming.ClusterID)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	logs.Infof("wrote config template to %s", *output)
}
