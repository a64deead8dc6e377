package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/chatsync"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/go-go-golems/treechat/pkg/events"
	"github.com/go-go-golems/treechat/pkg/render"
	"github.com/go-go-golems/treechat/pkg/settings"
	"github.com/go-go-golems/treechat/pkg/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// app wires the settings, the clients and the coordinator of one command run.
type app struct {
	settings    *settings.Settings
	api         *api.Client
	transport   *transport.Client
	router      *events.EventRouter
	coordinator *chatsync.Coordinator
}

func newApp() (*app, error) {
	s, err := settings.NewSettingsFromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return nil, err
	}

	apiClient := api.NewClientFromSettings(s)
	tr := transport.NewClientFromSettings(s)

	options := []chatsync.Option{
		chatsync.WithEventSink(router.Sink(events.TopicChat)),
		chatsync.WithStreaming(s.Streaming),
	}
	if s.AutosaveEnabled {
		autosaver, err := conversation.NewAutosaver(s.AutosaveDir, s.AutosaveFormat)
		if err != nil {
			return nil, err
		}
		options = append(options, chatsync.WithAutosaver(autosaver))
	}

	log.Debug().
		Str("api_url", s.APIURL).
		Str("ws_url", s.WSURL).
		Bool("streaming", s.Streaming).
		Bool("autosave", s.AutosaveEnabled).
		Msg("created client")

	return &app{
		settings:    s,
		api:         apiClient,
		transport:   tr,
		router:      router,
		coordinator: chatsync.NewCoordinator(apiClient, tr, options...),
	}, nil
}

// printer registers the handler printing streamed replies to w. The id of
// every turn is sent on the returned channel once its end has been printed.
func (a *app) printer(w io.Writer, showStatus bool) <-chan string {
	printed := make(chan string, 16)
	print_ := events.NewTurnPrinter(w, events.PrinterOptions{
		Name:       "assistant",
		ShowStatus: showStatus,
		ShowTree:   viper.GetBool("verbose"),
	})

	a.router.AddHandler("printer", events.TopicChat, events.HandlerFunc(func(ctx context.Context, e events.Event) error {
		if err := print_(ctx, e); err != nil {
			return err
		}
		switch e.Type() {
		case events.EventTypeTurnCompleted, events.EventTypeTurnFailed, events.EventTypeTurnAbandoned:
			select {
			case printed <- e.Metadata().TurnID:
			default:
			}
		}
		return nil
	}))

	return printed
}

// waitPrinted waits until the end of turnID went through the printer.
func waitPrinted(ctx context.Context, printed <-chan string, turnID string) {
	for {
		select {
		case id := <-printed:
			if id == turnID {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// run runs f next to the event router. The router is stopped once f returns.
func (a *app) run(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-a.router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
		return f(ctx)
	})

	err := eg.Wait()
	if closeErr := a.router.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func renderOptions(markdown bool) []render.Option {
	return []render.Option{
		render.WithMarkdown(markdown && render.IsTerminal(os.Stdout)),
	}
}
