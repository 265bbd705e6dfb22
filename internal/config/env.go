package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Tokens holds the secrets loaded from tokens.env. Process environment wins
// over file values so deployments can override without editing files.
type Tokens struct {
	// BotToken authenticates the data manager and ping bot sessions.
	BotToken string
	// UserToken authenticates the relay and the fetch REST client.
	UserToken string
}

const (
	envBotToken  = "DISCORD_BOT_TOKEN"
	envUserToken = "DISCORD_USER_TOKEN"
)

// LoadTokens reads the env file at path (missing file is not an error) and
// overlays the process environment on top.
func LoadTokens(path string) (Tokens, error) {
	vals := map[string]string{}
	if strings.TrimSpace(path) != "" {
		m, err := godotenv.Read(path)
		if err != nil && !os.IsNotExist(err) {
			return Tokens{}, fmt.Errorf("tokens env %s: %w", path, err)
		}
		if m != nil {
			vals = m
		}
	}
	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(vals[key])
	}
	return Tokens{
		BotToken:  get(envBotToken),
		UserToken: get(envUserToken),
	}, nil
}
