package conversation

import (
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultAutosaveFormat = "{{.Year}}/{{.Month}}/{{.Day}}/{{.Time.Format \"150405\"}}-{{.ConversationID}}.json"

// Autosaver writes the tree of a conversation to a file whose path is
// rendered from a template, e.g. after every snapshot import.
type Autosaver struct {
	dir       string
	tmpl      *template.Template
	startTime time.Time
}

type AutosaveOption func(*Autosaver)

func WithAutosaveStartTime(t time.Time) AutosaveOption {
	return func(a *Autosaver) {
		a.startTime = t
	}
}

// NewAutosaver parses format (DefaultAutosaveFormat if empty). An empty dir
// defaults to ~/.treechat/history.
func NewAutosaver(dir string, format string, options ...AutosaveOption) (*Autosaver, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".treechat", "history")
	}
	if format == "" {
		format = DefaultAutosaveFormat
	}

	tmpl, err := template.New("autosave").Funcs(sprig.TxtFuncMap()).Parse(format)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse autosave format")
	}

	ret := &Autosaver{
		dir:       dir,
		tmpl:      tmpl,
		startTime: time.Now(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

// Path renders the file path used for conversationID.
func (a *Autosaver) Path(conversationID ConversationID, title string) (string, error) {
	data := map[string]interface{}{
		"Year":           a.startTime.Format("2006"),
		"Month":          a.startTime.Format("01"),
		"Day":            a.startTime.Format("02"),
		"Time":           a.startTime,
		"ConversationID": conversationID.String(),
		"Title":          title,
	}

	var b strings.Builder
	if err := a.tmpl.Execute(&b, data); err != nil {
		return "", errors.Wrap(err, "could not render autosave path")
	}
	return filepath.Join(a.dir, b.String()), nil
}

// Save writes store to the rendered path, creating directories as needed.
func (a *Autosaver) Save(store *Store, conversationID ConversationID, title string) (string, error) {
	fullPath, err := a.Path(conversationID, title)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", err
	}
	if err := store.SaveToFile(fullPath); err != nil {
		return "", err
	}
	log.Debug().Str("path", fullPath).Str("conversation_id", conversationID.String()).Msg("autosaved conversation")
	return fullPath, nil
}
