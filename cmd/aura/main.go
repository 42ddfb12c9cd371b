package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/aura-ai/aura/features/module/anthropic"
	"github.com/aura-ai/aura/features/module/llm"
	"github.com/aura-ai/aura/features/module/openai"
	"github.com/aura-ai/aura/runtime/assistant/engine"
	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"

	// replyWait bounds how long the prompt loop waits for an asynchronous
	// pipeline reply before giving the prompt back.
	replyWait = 30 * time.Second
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// assistant.
	var (
		configF   = flag.String("config", "", "Path to the YAML runtime config (missing file uses defaults)")
		providerF = flag.String("provider", "echo", "Language model provider (valid values: anthropic, openai, echo)")
		modelF    = flag.String("model", "", "Model identifier (defaults per provider)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := engine.LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Assemble the runtime. Stores default to in-memory; swap in the mongo and
	// redis feature stores for a persistent install.
	eng := engine.New(engine.Options{
		Config:  cfg,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
	})

	// Register the language model and the system-control handler. Replies the
	// pipeline produces arrive on the bus, so the prompt loop listens there.
	lm, err := languageModule(*providerF, *modelF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if err := eng.Registry.Register(ctx, lm, lm.Descriptor(), llm.InputSchema); err != nil {
		log.Fatal(ctx, err)
	}
	sys := &consoleSystem{}
	if err := eng.Registry.Register(ctx, sys, sys.Descriptor(), nil); err != nil {
		log.Fatal(ctx, err)
	}

	replies := make(chan string, 8)
	printer, err := eng.Bus.Register(events.SubscriberFunc(func(_ context.Context, event events.Event) error {
		out, ok := event.(*events.OutputProducedEvent)
		if !ok || out.Target == "interaction" {
			return nil
		}
		select {
		case replies <- out.Content:
		default:
		}
		return nil
	}))
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer func() { _ = printer.Close() }()

	if err := eng.Init(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "provider", V: *providerF}, log.KV{K: "msg", V: "assistant ready, type /quit to exit"})

	// Create channel used by both the signal handler and the prompt loop to
	// notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM stop the assistant
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go promptLoop(ctx, eng, replies, errc)

	// Wait for signal or prompt exit.
	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
}

// promptLoop reads utterances from stdin and prints the assistant's replies.
// Inline replies (greetings, task control) come back on the Coordination;
// everything else arrives asynchronously once the pipeline cycle completes.
func promptLoop(ctx context.Context, eng *engine.Engine, replies <-chan string, errc chan<- error) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			errc <- scanner.Err()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			errc <- nil
			return
		}
		co, err := eng.HandleInput(ctx, engine.Input{Kind: "text_input", Text: line})
		if err != nil {
			log.Errorf(ctx, err, "handle input")
			continue
		}
		if co.Reply != "" {
			fmt.Println("aura>", co.Reply)
			continue
		}
		if co.Cycle < 0 {
			continue
		}
		select {
		case reply := <-replies:
			fmt.Println("aura>", reply)
		case <-time.After(replyWait):
			fmt.Println("aura> (still thinking, reply will follow)")
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}
	}
}

// languageModule builds the configured provider module. The echo provider
// needs no credentials and answers locally, so a bare install stays
// interactive.
func languageModule(provider, model string) (languageModel, error) {
	switch provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for provider anthropic")
		}
		if model == "" {
			model = defaultAnthropicModel
		}
		return anthropic.NewFromAPIKey(key, model)
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for provider openai")
		}
		if model == "" {
			model = defaultOpenAIModel
		}
		return openai.NewFromAPIKey(key, model)
	case "echo":
		return &echoModel{}, nil
	default:
		return nil, fmt.Errorf("invalid provider argument: %q (valid providers: anthropic, openai, echo)", provider)
	}
}

// languageModel is the slice of the module contract the prompt loop needs:
// registration plus the descriptor it is registered under.
type languageModel interface {
	modregistry.SyncModule
	Descriptor() modregistry.Descriptor
}

// echoModel is a keyless stand-in language model: it answers every utterance
// by echoing it, in the same structured reply shape the real providers
// return.
type echoModel struct{}

func (m *echoModel) ID() string                     { return "llm" }
func (m *echoModel) Init(context.Context) error     { return nil }
func (m *echoModel) Shutdown(context.Context) error { return nil }

func (m *echoModel) Descriptor() modregistry.Descriptor {
	return modregistry.Descriptor{
		ID:           "llm",
		Capabilities: []string{modregistry.CapLanguageModel},
		State:        modregistry.StateAvailable,
		Priority:     1,
	}
}

func (m *echoModel) Handle(_ context.Context, payload map[string]any) (map[string]any, error) {
	in, err := llm.FromPayload(payload)
	if err != nil {
		return nil, err
	}
	return llm.Reply{Text: "(echo) " + in.Text, Emotion: "neutral"}.Payload(), nil
}

// consoleSystem handles the system-control layer for the demo: commands and
// model-recommended sys actions are acknowledged and logged instead of
// touching the host.
type consoleSystem struct{}

func (s *consoleSystem) ID() string                     { return "sys" }
func (s *consoleSystem) Init(context.Context) error     { return nil }
func (s *consoleSystem) Shutdown(context.Context) error { return nil }

func (s *consoleSystem) Descriptor() modregistry.Descriptor {
	return modregistry.Descriptor{
		ID:           "sys",
		Capabilities: []string{modregistry.CapSystemControl},
		State:        modregistry.StateAvailable,
		Priority:     1,
	}
}

func (s *consoleSystem) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if detail, ok := payload["detail"].(map[string]any); ok {
		log.Print(ctx, log.KV{K: "msg", V: "system action requested"},
			log.KV{K: "action", V: detail["action"]}, log.KV{K: "target", V: detail["target"]})
		return map[string]any{"status": "ok"}, nil
	}
	cmd, _ := payload["command"].(string)
	log.Print(ctx, log.KV{K: "msg", V: "system command acknowledged"}, log.KV{K: "command", V: cmd})
	return map[string]any{"status": "ok", "text": "指令已受理：" + cmd}, nil
}
