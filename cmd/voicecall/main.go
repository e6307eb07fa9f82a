package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ent0n29/memorylane/internal/app"
	"github.com/ent0n29/memorylane/internal/config"
	"github.com/ent0n29/memorylane/internal/conversation"
	"github.com/ent0n29/memorylane/internal/observability"
	"github.com/ent0n29/memorylane/internal/voice"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, " | ") }

func (l *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("question must not be empty")
	}
	*l = append(*l, v)
	return nil
}

type options struct {
	envFile      string
	mic          string
	record       string
	voice        string
	instructions string
	maxDuration  time.Duration
	questions    stringList
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("voicecall", flag.ContinueOnError)
	fs.StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before the environment")
	fs.StringVar(&opts.mic, "mic", "", "Ogg/Opus file played as the microphone (default VOICE_MICROPHONE_FILE)")
	fs.StringVar(&opts.record, "record", "", "write the assistant's audio to this Ogg file")
	fs.StringVar(&opts.voice, "voice", "", "assistant voice (default REALTIME_VOICE)")
	fs.StringVar(&opts.instructions, "instructions", "", "assistant instructions (default REALTIME_INSTRUCTIONS)")
	fs.DurationVar(&opts.maxDuration, "max-duration", 0, "stop the call after this long (default VOICE_MAX_SESSION_DURATION)")
	fs.Var(&opts.questions, "question", "guided question, repeat for several")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.maxDuration < 0 {
		return options{}, fmt.Errorf("max-duration must be >= 0")
	}
	return opts, nil
}

// applyOverrides layers flags over the configured conversation defaults.
func applyOverrides(base conversation.Options, opts options) conversation.Options {
	if opts.voice != "" {
		base.Voice = opts.voice
	}
	if opts.instructions != "" {
		base.Instructions = opts.instructions
	}
	if opts.maxDuration > 0 {
		base.MaxDuration = opts.maxDuration
	}
	if len(opts.questions) > 0 {
		base.Questions = append([]string(nil), opts.questions...)
	}
	return base
}

func run(opts options, out io.Writer) error {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if opts.mic != "" {
		cfg.MicrophoneFile = opts.mic
	}
	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	mcfg, err := app.ManagerConfig(cfg, opts.record, logger)
	if err != nil {
		return err
	}

	var (
		once       sync.Once
		done       = make(chan struct{})
		mu         sync.Mutex
		transcript []conversation.Entry
		completed  bool
		lastErr    error
	)
	mcfg.Callbacks = voice.Callbacks{
		OnStateChange: func(s conversation.State) {
			logger.Debug("state", "state", s)
			if !s.Active() {
				once.Do(func() { close(done) })
			}
		},
		OnTranscript: func(user, ai string) {
			fmt.Fprintf(out, "you: %s\nai:  %s\n", user, ai)
		},
		OnError: func(err error) {
			mu.Lock()
			lastErr = err
			mu.Unlock()
			fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		},
		OnComplete: func(entries []conversation.Entry) {
			mu.Lock()
			transcript = entries
			completed = true
			mu.Unlock()
		},
	}
	mgr := voice.NewManager(mcfg)

	if err := mgr.Start(context.Background(), applyOverrides(app.ConversationDefaults(cfg), opts)); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "voicecall: call started, Ctrl-C to finish, twice to discard")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interrupts := 0
	for {
		select {
		case <-done:
			mu.Lock()
			defer mu.Unlock()
			if completed {
				printTranscript(out, transcript)
				return nil
			}
			if mgr.State() == conversation.StateError && lastErr != nil {
				return lastErr
			}
			fmt.Fprintln(out, "call discarded")
			return nil
		case <-sigCh:
			interrupts++
			if interrupts == 1 {
				_ = mgr.Stop()
				continue
			}
			_ = mgr.Abort()
		}
	}
}

func printTranscript(out io.Writer, entries []conversation.Entry) {
	fmt.Fprintf(out, "\n--- transcript (%d entries) ---\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "[%s] %-9s %s\n", e.Timestamp.Local().Format("15:04:05"), e.Role, e.Text)
	}
}
