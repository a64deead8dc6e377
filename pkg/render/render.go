// Package render prints conversation trees, selection paths and
// conversation lists for the command line.
package render

import (
	"bytes"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/treechat/pkg/api"
	"github.com/go-go-golems/treechat/pkg/conversation"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

const (
	treeTemplate = `{{ range .Rows -}}
{{ .Indent }}{{ .Marker }} [{{ .ID }}] {{ .Role }}: {{ .Content | replace "\n" " " | abbrev $.Width }}
{{- if .Branches }} ({{ .Branches }} branches){{ end }}
{{ end }}`

	pathTemplate = `{{ range .Rows -}}
**{{ .Role | title }}** ` + "`{{ .ID }}`" + `{{ if not .CreatedAt.IsZero }} _{{ .CreatedAt | date "2006-01-02 15:04" }}_{{ end }}

{{ .Content }}

{{ end }}`

	conversationsTemplate = `{{ range . -}}
{{ .ID }}{{ "\t" }}{{ .Title | default "(untitled)" }}
{{- if not .UpdatedAt.IsZero }}{{ "\t" }}{{ .UpdatedAt | date "2006-01-02 15:04" }}{{ end }}
{{ end }}`
)

// DefaultWidth is the number of content characters shown per tree line.
const DefaultWidth = 60

type Options struct {
	// Markdown renders paths through glamour
	Markdown bool
	// Style is the glamour style, "dark" if empty
	Style string
	Width int
}

type Option func(*Options)

func WithMarkdown(markdown bool) Option {
	return func(o *Options) {
		o.Markdown = markdown
	}
}

func WithStyle(style string) Option {
	return func(o *Options) {
		o.Style = style
	}
}

func WithWidth(width int) Option {
	return func(o *Options) {
		o.Width = width
	}
}

func newOptions(options ...Option) *Options {
	ret := &Options{
		Style: "dark",
		Width: DefaultWidth,
	}
	for _, o := range options {
		o(ret)
	}
	// abbrev needs room for its ellipsis
	if ret.Width < 4 {
		ret.Width = 4
	}
	return ret
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type row struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
	Indent    string
	Marker    string
	Branches  int
}

func execute(w io.Writer, name string, text string, data interface{}) error {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return errors.Wrapf(err, "could not parse %s template", name)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return errors.Wrapf(err, "could not render %s", name)
	}
	return nil
}

// Tree writes every node of store, one per line, indented by depth. The
// current node is marked with "*" and the rest of its path with ">".
func Tree(w io.Writer, store *conversation.Store, options ...Option) error {
	opts := newOptions(options...)

	onPath := map[conversation.NodeID]bool{}
	for _, id := range store.PathIDs() {
		onPath[id] = true
	}
	current := store.CurrentID()

	nodes := store.Nodes()
	depths := make(map[conversation.NodeID]int, len(nodes))
	rows := make([]row, 0, len(nodes))
	for _, n := range nodes {
		depth := 0
		if d, ok := depths[n.ParentID]; ok && n.ParentID != conversation.NullNode {
			depth = d + 1
		}
		depths[n.ID] = depth

		marker := "-"
		switch {
		case n.ID == current:
			marker = "*"
		case onPath[n.ID]:
			marker = ">"
		}
		branches := 0
		if len(n.Children) > 1 {
			branches = len(n.Children)
		}
		rows = append(rows, row{
			ID:        n.ID.String(),
			Role:      string(n.Role),
			Content:   n.Content,
			CreatedAt: n.CreatedAt,
			Indent:    strings.Repeat("  ", depth),
			Marker:    marker,
			Branches:  branches,
		})
	}

	return execute(w, "tree", treeTemplate, map[string]interface{}{
		"Rows":  rows,
		"Width": opts.Width,
	})
}

// Path writes the messages of the selection path, root first, as markdown.
// With Markdown set the output goes through glamour.
func Path(w io.Writer, store *conversation.Store, options ...Option) error {
	opts := newOptions(options...)

	path := store.GetPath()
	rows := make([]row, 0, len(path))
	for _, n := range path {
		rows = append(rows, row{
			ID:        n.ID.String(),
			Role:      string(n.Role),
			Content:   n.Content,
			CreatedAt: n.CreatedAt,
		})
	}

	buf := &bytes.Buffer{}
	if err := execute(buf, "path", pathTemplate, map[string]interface{}{
		"Rows": rows,
	}); err != nil {
		return err
	}

	return writeMarkdown(w, buf.String(), opts)
}

func writeMarkdown(w io.Writer, md string, opts *Options) error {
	if !opts.Markdown {
		_, err := io.WriteString(w, md)
		return err
	}
	out, err := glamour.Render(md, opts.Style)
	if err != nil {
		return errors.Wrap(err, "could not render markdown")
	}
	_, err = io.WriteString(w, out)
	return err
}

type conversationRow struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// Conversations writes one tab separated line per conversation.
func Conversations(w io.Writer, convs []*api.Conversation) error {
	rows := make([]conversationRow, 0, len(convs))
	for _, c := range convs {
		updated := c.UpdatedAt.Time
		if updated.IsZero() {
			updated = c.CreatedAt.Time
		}
		rows = append(rows, conversationRow{
			ID:        c.ID.String(),
			Title:     c.Title,
			UpdatedAt: updated,
		})
	}
	return execute(w, "conversations", conversationsTemplate, rows)
}
