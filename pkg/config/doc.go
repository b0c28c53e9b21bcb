// Package config loads process configuration from environment variables.
//
// It wraps github.com/joho/godotenv (optional .env file) and
// github.com/caarlos0/env/v11 (struct tag parsing). Each package that needs
// settings declares its own Config struct with `env` tags; commands compose them:
//
//	var app config.App
//	var pgCfg pg.Config
//	config.MustLoad(&app)
//	config.MustLoad(&pgCfg)
//
// Environment (APP_ENV) decides how strict the service is about deployment
// mistakes such as a missing webhook secret.
package config
