package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigInvalidBuffer  = "invalid MUSIC_BUFFER_SIZE: must be >= 1"

	// Environment Variables
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvSilent         = "SILENT"
	EnvGuildID        = "GUILD_ID"
	EnvDatabasePath   = "DATABASE_PATH"
	EnvDailyChannelID = "DAILY_CHANNEL_ID"
	EnvPort           = "PORT"
	EnvAudioCacheDir  = "AUDIO_CACHE_DIR"
	EnvBufferSize     = "MUSIC_BUFFER_SIZE"
	EnvYoutubeProxy   = "YOUTUBE_PROXY"
	EnvNordVPNUser    = "NORDVPN_USER"
	EnvNordVPNPass    = "NORDVPN_PASS"
	EnvNordVPNServer  = "NORDVPN_SERVER"
)

type Config struct {
	Token          string
	GuildID        string
	DatabasePath   string
	DailyChannelID string
	Port           string
	AudioCacheDir  string
	BufferSize     int
	YoutubeProxy   string
	NordVPNUser    string
	NordVPNPass    string
	NordVPNServer  string
	Silent         bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Token:          os.Getenv(EnvDiscordToken),
		GuildID:        os.Getenv(EnvGuildID),
		DatabasePath:   os.Getenv(EnvDatabasePath),
		DailyChannelID: os.Getenv(EnvDailyChannelID),
		Port:           os.Getenv(EnvPort),
		AudioCacheDir:  os.Getenv(EnvAudioCacheDir),
		YoutubeProxy:   os.Getenv(EnvYoutubeProxy),
		NordVPNUser:    os.Getenv(EnvNordVPNUser),
		NordVPNPass:    os.Getenv(EnvNordVPNPass),
		NordVPNServer:  os.Getenv(EnvNordVPNServer),
	}

	cfg.Silent, _ = strconv.ParseBool(os.Getenv(EnvSilent))

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(".", GetProjectName()+".db")
	}

	if cfg.AudioCacheDir == "" {
		cfg.AudioCacheDir = "cache"
	}

	cfg.BufferSize, _ = strconv.Atoi(os.Getenv(EnvBufferSize))
	if os.Getenv(EnvBufferSize) == "" {
		cfg.BufferSize = DefaultBufferSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf(MsgConfigInvalidBuffer)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "dcbot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
