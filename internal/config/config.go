// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
// Package config loads application configuration from the environment,
// following the viper + validator pattern used throughout the Rapida
// service family.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig is the fully resolved, validated application configuration.
type AppConfig struct {
	Port int `mapstructure:"port" validate:"required"`

	PublicURL string `mapstructure:"public_url" validate:"required"`

	TwilioAccountSID     string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken      string `mapstructure:"twilio_auth_token"`
	TwilioFromNumber     string `mapstructure:"twilio_from_number"`
	TwilioToNumberDefault string `mapstructure:"twilio_to_number_default"`

	OpenAIAPIKey                   string `mapstructure:"openai_api_key"`
	OpenAIRealtimeModel            string `mapstructure:"openai_realtime_model" validate:"required"`
	OpenAIRealtimeVoice            string `mapstructure:"openai_realtime_voice" validate:"required"`
	OpenAIRealtimeTranscriptionModel string `mapstructure:"openai_realtime_transcription_model" validate:"required"`
	OpenAISummaryModel             string `mapstructure:"openai_summary_model" validate:"required"`
	OpenAIRealtimePromptTemplate   string `mapstructure:"openai_realtime_prompt_template"`
	OpenAIRealtimeSystemPrompt     string `mapstructure:"openai_realtime_system_prompt" validate:"required"`

	CallViewerTokenSecret string `mapstructure:"call_viewer_token_secret" validate:"required"`

	CallStudentName         string `mapstructure:"call_student_name" validate:"required"`
	CallParentName          string `mapstructure:"call_parent_name" validate:"required"`
	CallParentRelationship  string `mapstructure:"call_parent_relationship" validate:"required"`
	CallParentNumberLabel   string `mapstructure:"call_parent_number_label" validate:"required"`
	CallSchoolName          string `mapstructure:"call_school_name" validate:"required"`
	CallTeacherRole         string `mapstructure:"call_teacher_role" validate:"required"`
}

// TwilioConfigured reports whether outbound-call credentials are present.
func (c *AppConfig) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// OpenAIConfigured reports whether the realtime model key is present.
func (c *AppConfig) OpenAIConfigured() bool {
	return c.OpenAIAPIKey != ""
}

// InitConfig loads environment variables (and an optional .env file) into a
// viper instance, applying defaults for anything unset.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: no .env file found, relying on environment variables")
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8000)
	v.SetDefault("PUBLIC_URL", "http://localhost:8000")

	v.SetDefault("TWILIO_TO_NUMBER_DEFAULT", "")

	v.SetDefault("OPENAI_REALTIME_MODEL", "gpt-realtime")
	v.SetDefault("OPENAI_REALTIME_VOICE", "alloy")
	v.SetDefault("OPENAI_REALTIME_TRANSCRIPTION_MODEL", "whisper-1")
	v.SetDefault("OPENAI_SUMMARY_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_REALTIME_PROMPT_TEMPLATE", "")
	v.SetDefault("OPENAI_REALTIME_SYSTEM_PROMPT", defaultSystemPrompt)

	v.SetDefault("CALL_VIEWER_TOKEN_SECRET", insecureDefaultSecret)

	v.SetDefault("CALL_STUDENT_NAME", "the student")
	v.SetDefault("CALL_PARENT_NAME", "there")
	v.SetDefault("CALL_PARENT_RELATIONSHIP", "parent")
	v.SetDefault("CALL_PARENT_NUMBER_LABEL", "home")
	v.SetDefault("CALL_SCHOOL_NAME", "the school")
	v.SetDefault("CALL_TEACHER_ROLE", "attendance office")
}

const defaultSystemPrompt = "You are a friendly school attendance assistant calling a parent."

// insecureDefaultSecret is the last-resort fallback signing secret used only
// when no CALL_VIEWER_TOKEN_SECRET (or any other secret-shaped variable) is
// configured. Never rely on this outside local development.
const insecureDefaultSecret = "insecure-dev-viewer-token-secret-change-me"

// Load reads environment variables via viper and unmarshals + validates the
// result into an AppConfig. PORT may also be overridden via MCP_PORT.
func Load() (*AppConfig, error) {
	v, err := InitConfig()
	if err != nil {
		return nil, err
	}

	if mcpPort := os.Getenv("MCP_PORT"); mcpPort != "" {
		v.Set("PORT", mcpPort)
	}

	// secret fallback chain: CALL_VIEWER_TOKEN_SECRET, then a couple of
	// secret-shaped variables that may already be present in the process
	// environment, then the insecure literal default.
	if v.GetString("CALL_VIEWER_TOKEN_SECRET") == "" || v.GetString("CALL_VIEWER_TOKEN_SECRET") == insecureDefaultSecret {
		for _, fallback := range []string{"TWILIO_AUTH_TOKEN", "OPENAI_API_KEY"} {
			if s := os.Getenv(fallback); s != "" {
				v.Set("CALL_VIEWER_TOKEN_SECRET", s)
				break
			}
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
