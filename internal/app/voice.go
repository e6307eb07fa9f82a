package app

import (
	"fmt"
	"log/slog"

	"github.com/ent0n29/memorylane/internal/config"
	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/protocol"
	"github.com/ent0n29/memorylane/internal/realtime"
	"github.com/ent0n29/memorylane/internal/rtc"
	"github.com/ent0n29/memorylane/internal/voice"
)

type voiceSetup struct {
	tokens     voice.TokenIssuer
	signaling  voice.SDPExchanger
	peers      voice.PeerFactory
	microphone voice.Microphone
	minter     *realtime.Minter
	detail     string
}

// resolveVoiceTransports picks where credentials come from and builds the
// pion transport. A configured TOKEN_ISSUER_URL wins over minting in-process.
func resolveVoiceTransports(cfg config.Config, recordPath string, logger *slog.Logger) (voiceSetup, error) {
	minter := realtime.NewMinter(realtime.MinterConfig{
		BaseURL:      cfg.RealtimeBaseURL,
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.RealtimeModel,
		Voice:        cfg.RealtimeVoice,
		Instructions: cfg.RealtimeInstructions,
	}, nil)

	setup := voiceSetup{
		signaling: realtime.NewSDPClient(cfg.RealtimeBaseURL, cfg.RealtimeModel, nil),
		minter:    minter,
	}
	switch {
	case cfg.TokenIssuerURL != "":
		setup.tokens = realtime.NewTokenClient(cfg.TokenIssuerURL, nil)
		setup.detail = "remote token issuer"
	case minter.Configured():
		setup.tokens = minter
		setup.detail = "in-process token minting"
	default:
		// Calls still start and fail at the token step with a clear error.
		setup.tokens = minter
		setup.detail = "no realtime credentials configured"
	}

	peers, err := rtc.NewFactory(rtc.Options{
		STUNURLs:   cfg.STUNURLs,
		RecordPath: recordPath,
		Logger:     logger,
	})
	if err != nil {
		return voiceSetup{}, fmt.Errorf("webrtc init failed: %w", err)
	}
	setup.peers = peers
	setup.microphone = rtc.FileMicrophone{Path: cfg.MicrophoneFile, Loop: true}
	return setup, nil
}

// ManagerConfig wires a single voice.Manager the way the server wires each
// call. The CLI uses it to run one conversation without the HTTP surface.
func ManagerConfig(cfg config.Config, recordPath string, logger *slog.Logger) (voice.Config, error) {
	setup, err := resolveVoiceTransports(cfg, recordPath, logger)
	if err != nil {
		return voice.Config{}, err
	}
	return voice.Config{
		Tokens:           setup.tokens,
		Signaling:        setup.signaling,
		Peers:            setup.peers,
		Microphone:       setup.microphone,
		ICEGatherTimeout: cfg.ICEGatherTimeout,
		Logger:           logger,
	}, nil
}

// ConversationDefaults maps configuration onto the per-call options every
// call starts from.
func ConversationDefaults(cfg config.Config) conversation.Options {
	return conversation.Options{
		Instructions:       cfg.RealtimeInstructions,
		Voice:              cfg.RealtimeVoice,
		TranscriptionModel: cfg.TranscriptionModel,
		TurnDetection: protocol.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMS:   int(cfg.VADPrefixPadding.Milliseconds()),
			SilenceDurationMS: int(cfg.VADSilenceDuration.Milliseconds()),
		},
		NextQuestionDelay: cfg.NextQuestionDelay,
		MaxDuration:       cfg.MaxSessionDuration,
	}
}
