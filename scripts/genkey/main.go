// genkey generates a random secret for sealing the stored API key.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Writes:
//
//	data/kansoku.env  (mode 0600, keep this secret)
//
// The file holds a single KANSOKU_SETTINGS_SECRET line; copy it into .env or
// the deployment environment. The secret must stay stable: a key sealed
// under one secret cannot be read under another, and the dashboard will ask
// for the connection again.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

func main() {
	dir := "data"
	envPath := filepath.Join(dir, "kansoku.env")

	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	// Refuse to overwrite an existing secret; rotating it orphans the
	// sealed key.
	if _, err := os.Stat(envPath); err == nil {
		fmt.Fprintf(os.Stderr, "error: %s already exists; delete it first if you want to rotate the secret\n", envPath)
		os.Exit(1)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}

	env := map[string]string{
		"KANSOKU_SETTINGS_SECRET": base64.RawURLEncoding.EncodeToString(secret),
	}
	if err := godotenv.Write(env, envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if err := os.Chmod(envPath, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "error: chmod %s: %v\n", envPath, err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\n", envPath)
	fmt.Println("Copy KANSOKU_SETTINGS_SECRET into .env before the first connection is saved.")
}
