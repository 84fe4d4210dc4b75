// Package report renders a finished scan session for the terminal or a file.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"sledge/backend/mirror"
	"sledge/backend/service/service/ftp"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("unknown report format")

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", errors.Wrap(ErrUnknownFormat, s)
}

// FormatFromPath guesses the format from a file extension, text otherwise.
func FormatFromPath(path string) Format {
	f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return FormatText
	}
	return f
}

// Report is the serialised form of a scan session.
type Report struct {
	TaskID      int64           `json:"taskId" yaml:"taskId"`
	Range       string          `json:"range" yaml:"range"`
	Status      string          `json:"status" yaml:"status"`
	StartedAt   time.Time       `json:"startedAt" yaml:"startedAt"`
	CompletedAt time.Time       `json:"completedAt" yaml:"completedAt"`
	Planned     int             `json:"planned" yaml:"planned"`
	Completed   int             `json:"completed" yaml:"completed"`
	Anonymous   []string        `json:"anonymous" yaml:"anonymous"`
	Restricted  []string        `json:"restricted" yaml:"restricted"`
	MirrorRoot  string          `json:"mirrorRoot,omitempty" yaml:"mirrorRoot,omitempty"`
	Mirrors     []mirror.Result `json:"mirrors,omitempty" yaml:"mirrors,omitempty"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func FromTask(t *ftp.Task) Report {
	r := Report{
		TaskID:      t.ID,
		Range:       t.Params.Range,
		Status:      t.Status.String(),
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Planned:     t.Metrics.Planned,
		Completed:   t.Metrics.Completed,
		Anonymous:   append([]string{}, t.Anonymous...),
		Restricted:  append([]string{}, t.Restricted...),
		Error:       t.Error,
	}
	if t.Mirror {
		r.MirrorRoot = t.MirrorRoot
		r.Mirrors = append([]mirror.Result(nil), t.Mirrors...)
	}
	return r
}

func Render(w io.Writer, t *ftp.Task, format Format) error {
	r := FromTask(t)
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode json report")
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return errors.Wrap(err, "encode yaml report")
		}
		return enc.Close()
	case FormatText, "":
		return renderText(w, r)
	}
	return errors.Wrap(ErrUnknownFormat, string(format))
}

func renderText(w io.Writer, r Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "FTP Servers Found w/ Anonymous Access: %s\n", strings.Join(r.Anonymous, ","))
	fmt.Fprintf(&b, "FTP Servers Found w/o Anonymous Access: %s\n", strings.Join(r.Restricted, ","))
	if r.MirrorRoot != "" {
		failed := 0
		for _, m := range r.Mirrors {
			if !m.OK() {
				failed++
				fmt.Fprintf(&b, "Mirror of %s stopped at %s after %d files: %s\n", m.Host, m.Failure, m.Files, m.Error)
			}
		}
		where := fmt.Sprintf("folder '%s'", r.MirrorRoot)
		if !filepath.IsAbs(r.MirrorRoot) {
			where += " in current working directory"
		}
		switch copied := len(r.Mirrors) - failed; {
		case failed == 0:
			fmt.Fprintf(&b, "\nAll anonymous FTP files have been copied to %s.\n", where)
		case copied == 0:
			fmt.Fprintf(&b, "\nNo anonymous FTP server could be mirrored, partial downloads are in %s.\n", where)
		default:
			fmt.Fprintf(&b, "\nFiles from %d of %d anonymous FTP servers have been copied to %s.\n", copied, len(r.Mirrors), where)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "\nScan ended with an error: %s\n", r.Error)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
