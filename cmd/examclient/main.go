// Command examclient is the terminal exam-taking client. It loads one
// attempt, runs the countdown and reports focus loss over the violation
// stream. Logs go to a file so they never draw over the exam screen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-attempt/internal/cache"
	"github.com/stemsi/exstem-attempt/internal/client"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/controller"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/integrity"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/submission"
)

const (
	focusReportingOn  = "\x1b[?1004h"
	focusReportingOff = "\x1b[?1004l"
	redrawInterval    = 250 * time.Millisecond
)

func main() {
	cfg := config.LoadClient()

	flag.StringVar(&cfg.AttemptID, "attempt", cfg.AttemptID, "Attempt ID to take")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "Student access token")
	flag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "API base URL")
	flag.StringVar(&cfg.WSBaseURL, "ws", cfg.WSBaseURL, "WebSocket base URL")
	flag.StringVar(&cfg.CacheBackend, "cache", cfg.CacheBackend, "Answer cache backend: file, redis or memory")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Directory of the file answer cache")
	flag.Parse()

	if cfg.AttemptID == "" || cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "examclient: -attempt and -token are required")
		flag.Usage()
		os.Exit(2)
	}

	logFile, err := logger.OpenFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "examclient: open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, logFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionCache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "examclient: %v\n", err)
		os.Exit(1)
	}
	defer closeCache()

	api := client.NewAttemptClient(cfg.APIBaseURL, cfg.Token, cfg.HTTPTimeout, log)
	reporter := client.NewReporter(cfg.WSBaseURL, cfg.Token, cfg.AttemptID, log)
	defer reporter.Close()

	ctrl := controller.New(api, controller.Options{
		Cache:    sessionCache,
		Reporter: reporter,
		Submit: submission.Config{
			MaxAttempts:    cfg.SubmitMaxAttempts,
			InitialBackoff: cfg.SubmitInitialBackoff,
			MaxBackoff:     cfg.SubmitMaxBackoff,
			Multiplier:     2,
		},
		FetchAttempts: cfg.FetchMaxAttempts,
		TickInterval:  cfg.TickInterval,
		Logger:        log,
	})

	if err := runTerminal(ctx, ctrl, cfg.AttemptID, log); err != nil {
		fmt.Fprintf(os.Stderr, "examclient: %v\n", err)
		os.Exit(1)
	}
}

func openCache(ctx context.Context, cfg *config.ClientConfig, log zerolog.Logger) (cache.SessionCache, func(), error) {
	switch cfg.CacheBackend {
	case "", "file":
		dir := cfg.CacheDir
		if dir == "" {
			var err error
			if dir, err = cache.DefaultFileCacheDir(); err != nil {
				return nil, nil, fmt.Errorf("answer cache: %w", err)
			}
		}
		log.Info().Str("dir", dir).Msg("Using file answer cache")
		return cache.NewFileCache(dir), func() {}, nil
	case "memory":
		log.Warn().Msg("Memory answer cache does not survive a restart")
		return cache.NewMemoryCache(), func() {}, nil
	case "redis":
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("answer cache: %w", err)
		}
		return cache.NewRedisCache(rdb, cfg.CacheTTL), func() { _ = rdb.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

func runTerminal(ctx context.Context, ctrl *controller.Controller, attemptID string, log zerolog.Logger) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Print(focusReportingOn)
	defer fmt.Print(focusReportingOff + clearScreen)

	defer waitForSubmission(ctrl, log)

	go func() {
		if err := ctrl.Mount(ctx, attemptID); err != nil {
			log.Error().Err(err).Str("attempt_id", attemptID).Msg("Mount failed")
			return
		}
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Controller stopped")
		}
	}()
	defer ctrl.Unmount()

	input := make(chan []byte)
	go readInput(input)

	ui := &session{ctrl: ctrl, log: log}
	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()

	for {
		render(os.Stdout, ctrl.View(), ui.prompt())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case buf, ok := <-input:
			if !ok {
				return nil
			}
			for _, ev := range decodeInput(buf) {
				if quit := ui.handle(ev); quit {
					return nil
				}
			}
		}
	}
}

// waitForSubmission keeps the process alive until a submission in flight has
// finished or exhausted its retries. The deferred Unmount has already run.
func waitForSubmission(ctrl *controller.Controller, log zerolog.Logger) {
	quick, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ctrl.Wait(quick) == nil {
		return
	}
	fmt.Print(clearScreen + "Submitting your answers, please keep this window open...\r\n")
	log.Info().Msg("Waiting for submission before exit")
	_ = ctrl.Wait(context.Background())
	log.Info().Msg("Submission finished")
}

func readInput(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		out <- chunk
	}
}

// session holds the modal input state of the terminal: the go-to prompt and
// the submit confirmation.
type session struct {
	ctrl *controller.Controller
	log  zerolog.Logger

	gotoBuf       string
	inGoto        bool
	confirmSubmit bool
}

func (s *session) prompt() string {
	switch {
	case s.inGoto:
		return "Go to question: " + s.gotoBuf
	case s.confirmSubmit:
		return "Submit now? [y/n] "
	}
	return ""
}

// handle applies one event and reports whether the client should exit.
func (s *session) handle(ev event) bool {
	switch ev.focus {
	case 1:
		s.ctrl.Signal(integrity.SignalFocus)
		return false
	case -1:
		s.ctrl.Signal(integrity.SignalBlur)
		return false
	}

	if ev.key == keyCtrlC {
		return true
	}
	if s.inGoto {
		s.handleGoto(ev.key)
		return false
	}
	if s.confirmSubmit {
		s.confirmSubmit = false
		if ev.key == 'y' || ev.key == 'Y' {
			s.report("submit", s.ctrl.Submit())
		}
		return false
	}

	v := s.ctrl.View()
	switch k := ev.key; {
	case k == 'q':
		return true
	case k >= '1' && k <= '9':
		if q := v.Question; q != nil {
			if i := int(k - '1'); i < len(q.Options) {
				s.report("select", s.ctrl.Select(q.ID, q.Options[i].ID))
			}
		}
	case k == 'c':
		if v.Question != nil {
			s.report("clear", s.ctrl.Clear(v.Question.ID))
		}
	case k == 'f':
		if v.Question != nil {
			s.report("flag", s.ctrl.ToggleFlag(v.Question.ID))
		}
	case k == 'n' || k == keyRight:
		s.report("next", s.ctrl.Next())
	case k == 'p' || k == keyLeft:
		s.report("previous", s.ctrl.Previous())
	case k == 'a':
		s.report("acknowledge", s.ctrl.AcknowledgeWarning())
	case k == 'g':
		s.inGoto, s.gotoBuf = true, ""
	case k == 's':
		s.confirmSubmit = true
	}
	return false
}

func (s *session) handleGoto(k rune) {
	switch {
	case k >= '0' && k <= '9':
		s.gotoBuf += string(k)
	case k == keyBackspace:
		if n := len(s.gotoBuf); n > 0 {
			s.gotoBuf = s.gotoBuf[:n-1]
		}
	case k == keyEnter:
		s.inGoto = false
		if n, err := strconv.Atoi(s.gotoBuf); err == nil {
			s.report("goto", s.ctrl.GoTo(n-1))
		}
	default:
		s.inGoto = false
	}
}

func (s *session) report(action string, err error) {
	if err == nil || errors.Is(err, controller.ErrNothingToDo) {
		return
	}
	s.log.Debug().Err(err).Str("action", action).Msg("Input refused")
}
