package main

import (
	"log"

	"github.com/pioxmdr920415/tilecache/internal/app"
	"github.com/pioxmdr920415/tilecache/pkg/config"
)

func main() {
	realMain()
}

func realMain() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalln("failed to load config: ", err)
	}

	app.Run(cfg)
}
