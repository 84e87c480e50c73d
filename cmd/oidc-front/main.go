package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dgellow/oidc-front/internal"
	"github.com/dgellow/oidc-front/internal/config"
	"github.com/dgellow/oidc-front/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"addr":    ":3000",
		"issuer":  "https://auth.yourcompany.com",
		"csrfKey": map[string]string{"$env": "CSRF_KEY"},
		"engine": map[string]any{
			"kind":       "local",
			"signingKey": map[string]string{"$env": "SIGNING_KEY"},
			"tokenTtl":   "1h",
			"clients": []any{
				map[string]any{
					"id":           "sample-client",
					"name":         "Sample Client",
					"redirectUris": []string{"http://localhost:9000/cb"},
					"scopes":       []string{"openid", "profile"},
				},
			},
		},
		"sessions": map[string]any{
			"store": "memory",
			"ttl":   "1h",
		},
		"users": []any{
			map[string]any{
				"username": "alice",
				"password": map[string]string{"$env": "ALICE_PASSWORD"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting oidc-front", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewOIDCFront(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create authorization front: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Server exited with error: %v", err)
		os.Exit(1)
	}
}
