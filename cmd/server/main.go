package main

import (
	"context"
	"log"

	"github.com/droppoint/droppoint/internal/app"
	"github.com/droppoint/droppoint/internal/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	a.Run(ctx)

}
