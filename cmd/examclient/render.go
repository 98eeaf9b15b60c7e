package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/stemsi/exstem-attempt/internal/controller"
	"github.com/stemsi/exstem-attempt/internal/navigator"
)

const clearScreen = "\x1b[H\x1b[2J"

// render draws v. Raw mode needs explicit carriage returns.
func render(w io.Writer, v controller.View, prompt string) {
	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	b.WriteString(clearScreen)

	switch v.Screen {
	case controller.ScreenIdle, controller.ScreenLoading:
		line("Loading exam...")
	case controller.ScreenError, controller.ScreenAborted:
		line("%s", v.Message)
		line("")
		line("[q] quit")
	case controller.ScreenSubmitted:
		line("%s", v.Title)
		line("")
		line("%s", v.Message)
		line("")
		line("[q] quit")
	case controller.ScreenExam:
		renderExam(line, v)
	}

	if v.Status != "" {
		line("")
		line("* %s", v.Status)
	}
	if prompt != "" {
		line("")
		b.WriteString(prompt)
	}
	_, _ = io.WriteString(w, b.String())
}

func renderExam(line func(string, ...interface{}), v controller.View) {
	line("%s  [%s]  %s left  violations: %d", v.Title, v.Mode, formatRemaining(v.RemainingSeconds), v.ViolationCount)
	line("%s", gridLine(v.Grid))
	line("answered %d/%d", v.Answered, v.Total)
	line("")

	if v.FullscreenLock {
		line("Return to full screen to continue the exam.")
		return
	}
	if v.Warning != nil {
		line("Warning: leaving the exam was recorded (%s, #%d).", v.Warning.Kind, v.Warning.Count)
		line("[a] acknowledge")
		line("")
	}
	if v.Recovered {
		line("Your previous submission did not finish. Press [s] to submit again.")
		line("")
	}

	if q := v.Question; q != nil {
		flag := ""
		if v.Flagged {
			flag = "  (flagged)"
		}
		line("Question %d of %d%s", v.Index+1, v.Total, flag)
		line("%s", q.Text)
		line("")
		for i, opt := range q.Options {
			mark := " "
			if opt.ID == v.Selected {
				mark = "x"
			}
			line("  [%s] %d) %s", mark, i+1, opt.Text)
		}
	}
	line("")
	if len(v.FlaggedIndexes) > 0 {
		nums := make([]string, len(v.FlaggedIndexes))
		for i, idx := range v.FlaggedIndexes {
			nums[i] = fmt.Sprint(idx + 1)
		}
		line("flagged: %s", strings.Join(nums, ", "))
	}
	if v.InputLocked {
		line("Input is locked.")
		return
	}
	line("[1-9] answer  [c] clear  [f] flag  [p/n] prev/next  [g] go to  [s] submit  [q] quit")
}

func gridLine(cells []navigator.Cell) string {
	var b strings.Builder
	for _, c := range cells {
		switch {
		case c.Status == navigator.StatusCurrent:
			b.WriteByte('>')
		case c.Flagged:
			b.WriteByte('?')
		case c.Status == navigator.StatusAnswered:
			b.WriteByte('#')
		default:
			b.WriteByte('.')
		}
	}
	return b.String()
}

func formatRemaining(sec int) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}
