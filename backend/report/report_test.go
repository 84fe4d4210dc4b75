package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"sledge/backend/constant/status"
	"sledge/backend/mirror"
	"sledge/backend/scanner/ftpscan"
	"sledge/backend/service/service/ftp"
)

func sampleTask() *ftp.Task {
	return &ftp.Task{
		ID:         7,
		Status:     status.OK,
		Params:     ftpscan.ScanParams{Range: "10.0.0.0/29"},
		Mirror:     true,
		MirrorRoot: "sledge-data",
		Metrics:    ftp.TaskMetrics{Planned: 8, Completed: 8},
		Anonymous:  []string{"10.0.0.5", "10.0.0.2"},
		Restricted: []string{"10.0.0.3"},
		Mirrors: []mirror.Result{
			{Host: "10.0.0.5", Files: 2},
			{Host: "10.0.0.2", Files: 1, Failure: mirror.FailureRetrieve, Error: "426 transfer aborted"},
		},
	}
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, sampleTask(), FormatText); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"FTP Servers Found w/ Anonymous Access: 10.0.0.5,10.0.0.2\n",
		"FTP Servers Found w/o Anonymous Access: 10.0.0.3\n",
		"Mirror of 10.0.0.2 stopped at retrieve after 1 files: 426 transfer aborted\n",
		"Files from 1 of 2 anonymous FTP servers have been copied to folder 'sledge-data' in current working directory.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRenderTextMirrorOutcome(t *testing.T) {
	allOK := sampleTask()
	allOK.Mirrors[1] = mirror.Result{Host: "10.0.0.2", Files: 4}
	allFailed := sampleTask()
	allFailed.Mirrors[0] = mirror.Result{Host: "10.0.0.5", Failure: mirror.FailureLogin, Error: "421 too many users"}

	cases := []struct {
		name   string
		task   *ftp.Task
		want   string
		absent string
	}{
		{"every mirror succeeded", allOK, "All anonymous FTP files have been copied to folder 'sledge-data'", "stopped at"},
		{"every mirror failed", allFailed, "No anonymous FTP server could be mirrored", "have been copied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Render(&buf, tc.task, FormatText); err != nil {
				t.Fatalf("Render: %v", err)
			}
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("missing %q in:\n%s", tc.want, buf.String())
			}
			if strings.Contains(buf.String(), tc.absent) {
				t.Fatalf("unexpected %q in:\n%s", tc.absent, buf.String())
			}
		})
	}
}

func TestRenderTextWithoutMirror(t *testing.T) {
	task := sampleTask()
	task.Mirror = false
	var buf bytes.Buffer
	if err := Render(&buf, task, FormatText); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(buf.String(), "copied") {
		t.Fatalf("mirror confirmation printed without mirroring:\n%s", buf.String())
	}
}

func TestRenderJSONAndYAML(t *testing.T) {
	var jbuf bytes.Buffer
	if err := Render(&jbuf, sampleTask(), FormatJSON); err != nil {
		t.Fatalf("Render json: %v", err)
	}
	var fromJSON Report
	if err := json.Unmarshal(jbuf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json does not parse: %v\n%s", err, jbuf.String())
	}
	if fromJSON.Status != "ok" || len(fromJSON.Anonymous) != 2 || fromJSON.Restricted[0] != "10.0.0.3" {
		t.Fatalf("unexpected json report: %+v", fromJSON)
	}
	if !strings.Contains(jbuf.String(), `"failure": "retrieve"`) {
		t.Fatalf("failure kind not rendered by name:\n%s", jbuf.String())
	}

	var ybuf bytes.Buffer
	if err := Render(&ybuf, sampleTask(), FormatYAML); err != nil {
		t.Fatalf("Render yaml: %v", err)
	}
	var fromYAML map[string]interface{}
	if err := yaml.Unmarshal(ybuf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml does not parse: %v", err)
	}
	if fromYAML["range"] != "10.0.0.0/29" {
		t.Fatalf("unexpected yaml report:\n%s", ybuf.String())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "JSON": FormatJSON, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
	if FormatFromPath("out/report.yaml") != FormatYAML || FormatFromPath("report") != FormatText {
		t.Fatalf("FormatFromPath guessed wrong")
	}
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "scan.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, sampleTask()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Fatalf("report is not json:\n%s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}
