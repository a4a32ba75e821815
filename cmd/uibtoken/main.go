// Package main выводит подписанный токен оператора для административного API UIB.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ciclik/uib-ledger/internal/middleware"
)

type tokenConfig struct {
	AuthSecret string `env:"AUTH_SECRET" envDefault:"uib-ledger-secret"`
}

func main() {
	_ = godotenv.Load()

	cfg := tokenConfig{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	secret := flag.String("s", cfg.AuthSecret, "secret used to sign operator tokens")
	operator := flag.String("o", "", "operator name")
	flag.Parse()

	if *operator == "" || *secret == "" {
		flag.Usage()
		os.Exit(2)
	}

	fmt.Println(middleware.NewAuthMiddleware(*secret).Token(*operator))
}
