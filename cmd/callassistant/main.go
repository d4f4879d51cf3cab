// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/callassistant/internal/bridge"
	"github.com/rapidaai/callassistant/internal/config"
	"github.com/rapidaai/callassistant/internal/httpapi"
	"github.com/rapidaai/callassistant/internal/log"
	"github.com/rapidaai/callassistant/internal/session"
	"github.com/rapidaai/callassistant/internal/summary"
	"github.com/rapidaai/callassistant/internal/telephony"
	"github.com/rapidaai/callassistant/internal/tooling"
	"github.com/rapidaai/callassistant/internal/viewer"
	"github.com/rapidaai/callassistant/internal/viewertoken"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callassistant:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := log.New(os.Getenv("ENV") != "production")
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync()

	store := session.NewStore(logger)
	tokens := viewertoken.New(cfg.CallViewerTokenSecret)

	tel := telephony.New(telephony.Config{
		AccountSID:      cfg.TwilioAccountSID,
		AuthToken:       cfg.TwilioAuthToken,
		FromNumber:      cfg.TwilioFromNumber,
		ToNumberDefault: cfg.TwilioToNumberDefault,
		PublicURL:       cfg.PublicURL,
	}, store, tokens, logger)

	viewerHandler := viewer.New(store, tokens, logger)

	synth := summary.New(summary.Config{
		Store:  store,
		Logger: logger,
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAISummaryModel,
		Now:    func() string { return time.Now().Format(time.RFC3339) },
	})

	assetsDir := os.Getenv("CALL_ASSETS_DIR")
	if assetsDir == "" {
		assetsDir = "assets"
	}
	assets := tooling.NewAssetRegistry(assetsDir)

	toolPlane := tooling.New(store, tel, synth, assets, tooling.PanelDefaults{
		DisplayNumber:      cfg.TwilioFromNumber,
		StudentName:        cfg.CallStudentName,
		ParentName:         cfg.CallParentName,
		ParentRelationship: cfg.CallParentRelationship,
		ParentNumberLabel:  cfg.CallParentNumberLabel,
	})

	bridgeCfg := bridge.Config{
		Store:              store,
		Logger:             logger,
		Dialer:             realtimeDialer(cfg),
		InstructionsTmpl:   loadInstructionsTemplate(cfg, logger),
		Voice:              cfg.OpenAIRealtimeVoice,
		TranscriptionModel: cfg.OpenAIRealtimeTranscriptionModel,
		PromptFields: bridge.PromptFields{
			SchoolName:         cfg.CallSchoolName,
			TeacherRole:        cfg.CallTeacherRole,
			ParentName:         cfg.CallParentName,
			ParentRelationship: cfg.CallParentRelationship,
			ParentNumberLabel:  cfg.CallParentNumberLabel,
			StudentName:        cfg.CallStudentName,
		},
	}

	engine := httpapi.New(httpapi.Deps{
		Store:        store,
		Telephony:    tel,
		Viewer:       viewerHandler,
		Tooling:      toolPlane,
		BridgeConfig: bridgeCfg,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("callassistant: received shutdown signal")
		cancel()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Infof("callassistant: listening on %s", addr)
	return httpapi.Serve(ctx, addr, engine, logger)
}

func realtimeDialer(cfg *config.AppConfig) bridge.ModelDialer {
	return bridge.NewRealtimeDialer(bridge.RealtimeDialerConfig{
		Endpoint: "wss://api.openai.com/v1/realtime",
		APIKey:   cfg.OpenAIAPIKey,
		Model:    cfg.OpenAIRealtimeModel,
	})
}

// loadInstructionsTemplate resolves the call-brief prompt template:
// read OPENAI_REALTIME_PROMPT_TEMPLATE from disk if set; on any
// read failure fall back to OPENAI_REALTIME_SYSTEM_PROMPT, never failing
// startup over a missing template file.
func loadInstructionsTemplate(cfg *config.AppConfig, logger log.Logger) string {
	if cfg.OpenAIRealtimePromptTemplate == "" {
		return cfg.OpenAIRealtimeSystemPrompt
	}
	data, err := os.ReadFile(cfg.OpenAIRealtimePromptTemplate)
	if err != nil {
		logger.Warnf("callassistant: reading prompt template %s: %v; falling back to system prompt", cfg.OpenAIRealtimePromptTemplate, err)
		return cfg.OpenAIRealtimeSystemPrompt
	}
	return string(data)
}
