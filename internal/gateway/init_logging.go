package gateway

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-gateway/internal/config"
	"github.com/compresr/chat-gateway/internal/monitoring"
	"github.com/compresr/chat-gateway/internal/utils"
)

func buildInitEvent(cfg *config.Config) *monitoring.InitEvent {
	ev := &monitoring.InitEvent{
		Timestamp:            time.Now(),
		Event:                "gateway_init",
		ServerPort:           cfg.Server.Port,
		ServerReadTimeoutMs:  cfg.Server.ReadTimeout.Milliseconds(),
		ServerWriteTimeoutMs: cfg.Server.WriteTimeout.Milliseconds(),
		JWTEnabled:           cfg.Server.JWTSecret != "",
		Backend: monitoring.InitBackend{
			Provider:      cfg.Model.Provider,
			Model:         cfg.Model.Name,
			Endpoint:      cfg.Model.BaseURL,
			HasAPIKey:     strings.TrimSpace(cfg.Model.APIKey) != "",
			APIKeyEnvLike: strings.Contains(cfg.Model.APIKey, "${"),
		},
		StoreDriver:       cfg.Store.Driver,
		PersistBudgets:    cfg.Store.PersistBudgets,
		BudgetPeriod:      cfg.Budget.Period,
		GuestBudget:       cfg.Budget.GuestBudget,
		MaxHistorySize:    cfg.History.MaxSize,
		MaxAgeMinutes:     cfg.History.MaxAgeMinutes,
		MembershipEnabled: cfg.Access.MandatoryChannelID != "",
		TelemetryPath:     cfg.Monitoring.Telemetry.LogPath,
	}

	f := cfg.Features
	for name, on := range map[string]bool{
		"image_generation":            f.EnableImageGeneration,
		"transcription":               f.EnableTranscription,
		"ignore_group_transcriptions": f.IgnoreGroupTranscriptions,
		"voice_reply_transcript_only": f.VoiceReplyTranscriptOnly,
		"show_usage":                  cfg.Assistant.ShowUsage,
		"stream":                      cfg.Assistant.Stream,
		"bill_partial_usage":          cfg.Billing.BillPartialUsage,
	} {
		if on {
			ev.Features = append(ev.Features, name)
		}
	}
	sort.Strings(ev.Features)
	return ev
}

// LogStartup logs the resolved configuration and records it to telemetry.
func (g *Gateway) LogStartup() {
	ev := buildInitEvent(g.cfg)
	log.Info().
		Int("port", ev.ServerPort).
		Str("provider", ev.Backend.Provider).
		Str("model", ev.Backend.Model).
		Str("api_key", utils.MaskKey(g.cfg.Model.APIKey)).
		Str("store", ev.StoreDriver).
		Str("budget_period", ev.BudgetPeriod).
		Float64("guest_budget", ev.GuestBudget).
		Bool("jwt", ev.JWTEnabled).
		Bool("membership", ev.MembershipEnabled).
		Strs("features", ev.Features).
		Msg("gateway configuration")
	g.tracker.RecordInit(ev)
}
