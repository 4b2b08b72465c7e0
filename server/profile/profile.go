// Package profile holds the runtime configuration, loaded from the
// environment via viper.
package profile

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Profile struct {
	// Mode is "dev" or "prod".
	Mode string
	Addr string
	Port int
	// Data is the directory for local state (vector index).
	Data string

	// Driver is "sqlite", "mysql" or "postgres"; DSN is its data source name.
	Driver string
	DSN    string

	AIModel    string
	AIBaseURL  string
	AIAPIKey   string
	EmbedModel string

	// Tokens maps static API tokens to user ids, parsed from
	// LOOM_API_TOKENS ("token:userID,token:userID").
	Tokens map[string]int32
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func FromEnv() (*Profile, error) {
	viper.SetEnvPrefix("loom")
	viper.AutomaticEnv()
	viper.SetDefault("mode", "dev")
	viper.SetDefault("addr", "")
	viper.SetDefault("port", 8081)
	viper.SetDefault("data", "./data")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("dsn", "./data/loom.db")
	viper.SetDefault("ai_model", "gpt-4o-mini")
	viper.SetDefault("ai_base_url", "https://openrouter.ai/api/v1")
	viper.SetDefault("embed_model", "text-embedding-3-small")

	p := &Profile{
		Mode:       viper.GetString("mode"),
		Addr:       viper.GetString("addr"),
		Port:       viper.GetInt("port"),
		Data:       viper.GetString("data"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("dsn"),
		AIModel:    viper.GetString("ai_model"),
		AIBaseURL:  viper.GetString("ai_base_url"),
		AIAPIKey:   viper.GetString("ai_api_key"),
		EmbedModel: viper.GetString("embed_model"),
	}

	tokens, err := parseTokens(viper.GetString("api_tokens"))
	if err != nil {
		return nil, err
	}
	p.Tokens = tokens

	switch p.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return nil, errors.Errorf("unsupported driver %q", p.Driver)
	}
	return p, nil
}

func parseTokens(raw string) (map[string]int32, error) {
	tokens := map[string]int32{}
	if strings.TrimSpace(raw) == "" {
		return tokens, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		token, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" {
			return nil, errors.Errorf("malformed token pair %q", pair)
		}
		userID, err := strconv.ParseInt(id, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed user id in token pair %q", pair)
		}
		tokens[token] = int32(userID)
	}
	return tokens, nil
}
