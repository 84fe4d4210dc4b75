package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"

	"sledge/backend/application"
	"sledge/backend/constant/status"
	"sledge/backend/report"
	"sledge/backend/scanner/ftpscan"
	"sledge/backend/service/service/ftp"
)

const banner = `
################################################################################
                    Sledge - Anonymous FTP Scanner
################################################################################
`

func main() {
	ipRange := flag.String("i", "", "IP range in CIDR notation, e.g. 192.168.1.0/24 (prompted when empty)")
	download := flag.Bool("d", false, "copy the files of every anonymous FTP server")
	threads := flag.Int("t", 0, "concurrent probes (default 10)")
	configFile := flag.String("config", "", "config file, generated when missing")
	root := flag.String("root", "", "mirror root directory (default sledge-data)")
	outFile := flag.String("o", "", "also write the report to this file (.txt, .json or .yaml)")
	formatName := flag.String("format", "text", "report format on stdout: text, json or yaml")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	format, err := report.ParseFormat(*formatName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	app, err := application.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		app.Logger.SetLevel(logrus.DebugLevel)
	}

	fmt.Print(banner)

	target := strings.TrimSpace(*ipRange)
	if target == "" {
		target, err = promptRange(os.Stdin, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nno IP range given: %v\n", err)
			os.Exit(2)
		}
	} else if _, err := ftpscan.ParseRange(target); err != nil {
		fmt.Fprintln(os.Stderr, rangeHint(err))
		os.Exit(2)
	}

	bridge := ftp.NewBridge(app, nil)
	req := ftp.Request{
		Scan:       ftpscan.ScanParams{Range: target, Threads: *threads},
		Mirror:     *download || app.Config.Mirror.Enable,
		MirrorRoot: *root,
	}

	// registered before the task starts so no event is missed
	bar := pb.New(0)
	bar.SetWriter(os.Stderr)
	bar.SetTemplateString(`{{counters . }} {{bar . }} {{percent . }} {{etime . }}`)
	unsubscribe := bridge.Subscribe(func(ev ftp.TaskEvent) {
		bar.SetTotal(int64(ev.Metrics.Planned))
		bar.SetCurrent(int64(ev.Metrics.Completed))
	})
	defer unsubscribe()

	task, err := bridge.StartTask(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Breaching %s IP range with %d threads...\n\n", task.Params.Range, task.Params.Threads)
	bar.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if err := bridge.StopTask(task.ID); err == nil {
			app.Logger.Warn("interrupted, waiting for running probes")
		}
	}()

	done, err := bridge.Wait(context.Background(), task.ID)
	bar.Finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	if err := report.Render(os.Stdout, done, format); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
		os.Exit(1)
	}
	if *outFile != "" {
		if err := report.WriteFile(*outFile, done); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write report file: %v\n", err)
			os.Exit(1)
		}
	}
	if done.Status == status.Error {
		os.Exit(1)
	}
}

// promptRange asks until a valid range is entered or input ends.
func promptRange(in io.Reader, out io.Writer) (string, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Enter IP range in CIDR notation (e.g. 192.168.1.0/24): ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		target := strings.TrimSpace(scanner.Text())
		if _, err := ftpscan.ParseRange(target); err != nil {
			fmt.Fprintln(out, rangeHint(err))
			continue
		}
		return target, nil
	}
}

func rangeHint(err error) string {
	return fmt.Sprintf("%v. Verify input is in correct format (192.168.1.0/24, for example; use /32 for a single IP).", err)
}
