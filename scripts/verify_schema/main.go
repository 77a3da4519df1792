package main

import (
	"flag"
	"fmt"
	"os"

	"signal-engine/pkg/db"
)

func main() {
	path := flag.String("db", "./data/signal-engine.db", "sqlite database path")
	migrate := flag.Bool("migrate", false, "apply migrations before verifying")
	flag.Parse()

	database, err := db.New(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *path, err)
		os.Exit(1)
	}
	defer database.Close()

	if *migrate {
		if err := db.ApplyMigrations(database); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}
	if err := db.VerifySchema(database); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("schema OK: %s\n", *path)
}
