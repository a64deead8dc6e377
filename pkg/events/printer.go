package events

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

type PrinterOptions struct {
	// Name is printed before the first delta of each turn
	Name string
	// ShowStatus prints connection status changes
	ShowStatus bool
	// ShowTree prints a short summary after snapshot imports
	ShowTree bool
}

// TurnPrinterFunc returns a handler printing streamed replies to w as they arrive.
func TurnPrinterFunc(w io.Writer, options PrinterOptions) func(msg *message.Message) error {
	return HandlerFunc(NewTurnPrinter(w, options))
}

// NewTurnPrinter is TurnPrinterFunc for decoded events. The returned
// function keeps per turn state and is not safe for concurrent use.
func NewTurnPrinter(w io.Writer, options PrinterOptions) func(ctx context.Context, e Event) error {
	isFirst := map[string]bool{}
	lastText := ""

	return func(_ context.Context, e Event) error {
		var err error
		switch p_ := e.(type) {
		case *EventTurnStarted:
			isFirst[p_.Metadata().TurnID] = true
			lastText = ""

		case *EventTurnDelta:
			turnID := p_.Metadata().TurnID
			if isFirst[turnID] && options.Name != "" {
				isFirst[turnID] = false
				if _, err := fmt.Fprintf(w, "\n%s: ", options.Name); err != nil {
					return err
				}
			}
			lastText = p_.Completion
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventTurnCompleted:
			delete(isFirst, p_.Metadata().TurnID)
			// fallback turns arrive in one piece
			if lastText == "" && p_.Content != "" {
				if options.Name != "" {
					if _, err := fmt.Fprintf(w, "\n%s: ", options.Name); err != nil {
						return err
					}
				}
				if _, err := fmt.Fprintf(w, "%s", p_.Content); err != nil {
					return err
				}
				lastText = p_.Content
			}
			if !strings.HasSuffix(lastText, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}

		case *EventTurnFailed:
			delete(isFirst, p_.Metadata().TurnID)
			if _, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventTurnAbandoned:
			delete(isFirst, p_.Metadata().TurnID)
			if _, err := fmt.Fprintf(w, "\n[abandoned]\n"); err != nil {
				return err
			}

		case *EventConnectionStatus:
			if !options.ShowStatus {
				break
			}
			if p_.Attempt > 0 {
				_, err = fmt.Fprintf(w, "\n[connection] %s (attempt %d)\n", p_.Status, p_.Attempt)
			} else {
				_, err = fmt.Fprintf(w, "\n[connection] %s\n", p_.Status)
			}
			if err != nil {
				return err
			}

		case *EventTreeReplaced:
			if !options.ShowTree {
				break
			}
			v_, err := yaml.Marshal(map[string]interface{}{
				"nodes":   p_.NodeCount,
				"current": p_.CurrentID,
				"path":    p_.Path,
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s", v_); err != nil {
				return err
			}

		case *EventTurnStreaming,
			*EventUserMessage,
			*EventConversation:
		}

		return nil
	}
}
