package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"evquery/internal/pipeline"
	"evquery/internal/protocol"
	"evquery/internal/store"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	sqlStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
)

func printBanner() {
	if plainMode {
		fmt.Println("evquery — ask questions about the electric vehicle database. Type 'exit' to quit.")
		return
	}
	fmt.Println(titleStyle.Render("evquery"))
	fmt.Println(dimStyle.Render("Ask questions about the electric vehicle database. Type 'exit' to quit."))
	fmt.Println()
}

func printPrompt() {
	if plainMode {
		fmt.Print("> ")
		return
	}
	fmt.Print(promptStyle.Render("❯ "))
}

func printStatus(msg string) {
	if plainMode {
		fmt.Println(msg)
		return
	}
	fmt.Println(dimStyle.Render(msg))
}

func printError(err error) {
	if plainMode {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stderr, errStyle.Render("Error: ")+err.Error())
}

// renderResult prints the answer, the SQL that produced it, and the
// repair trail when there was one.
func renderResult(w io.Writer, question string, res *pipeline.Result) {
	fmt.Fprintln(w)

	if res.Outcome == store.OutcomeFailed {
		if plainMode {
			fmt.Fprintln(w, res.Answer)
		} else {
			fmt.Fprintln(w, failStyle.Render(res.Answer))
		}
	} else {
		fmt.Fprint(w, renderMarkdown(res.Answer))
	}

	if res.FinalSQL != "" {
		if plainMode {
			fmt.Fprintf(w, "\nSQL: %s\n", res.FinalSQL)
		} else {
			fmt.Fprintf(w, "\n%s %s\n", dimStyle.Render("SQL:"), sqlStyle.Render(res.FinalSQL))
		}
	}

	attempts := len(res.Attempts)
	meta := fmt.Sprintf("run %s · %d attempt(s) · %s", res.RunID, attempts, res.Duration.Round(time.Millisecond))
	if plainMode {
		fmt.Fprintln(w, meta)
	} else {
		fmt.Fprintln(w, dimStyle.Render(meta))
	}
	fmt.Fprintln(w)
}

// renderMarkdown runs the answer through glamour unless styling is off
// or the renderer cannot be built (e.g. no usable terminal).
func renderMarkdown(text string) string {
	if plainMode {
		return text + "\n"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text + "\n"
	}
	out, err := r.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func renderToolList(w io.Writer, info *protocol.ServerInfo, tools []protocol.ToolDescriptor) {
	if info != nil {
		header := fmt.Sprintf("%s %s — %d tools", info.Name, info.Version, len(tools))
		if plainMode {
			fmt.Fprintln(w, header)
		} else {
			fmt.Fprintln(w, titleStyle.Render(header))
		}
	}
	for _, tool := range tools {
		if plainMode {
			fmt.Fprintf(w, "  %s: %s\n", tool.Name, tool.Description)
			continue
		}
		fmt.Fprintf(w, "  %s  %s\n", promptStyle.Render(tool.Name), dimStyle.Render(tool.Description))
	}
}

func renderRunList(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}
	for _, run := range runs {
		marker := "✓"
		if run.Outcome == store.OutcomeFailed {
			marker = "✗"
		}
		line := fmt.Sprintf("%s %s  %s  %s", marker, run.ID,
			run.CreatedAt.Format("2006-01-02 15:04"), truncate(run.Question, 60))
		if plainMode {
			fmt.Fprintln(w, line)
			continue
		}
		if run.Outcome == store.OutcomeFailed {
			fmt.Fprintln(w, failStyle.Render(line))
		} else {
			fmt.Fprintln(w, line)
		}
	}
}

func renderRunDetail(w io.Writer, run *store.Run) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Asked:    %s\n", run.CreatedAt.Format(time.RFC1123))
	fmt.Fprintf(w, "Question: %s\n", run.Question)
	fmt.Fprintf(w, "Outcome:  %s in %s\n", run.Outcome, run.Duration.Round(time.Millisecond))
	if run.Entities != "" {
		fmt.Fprintf(w, "Entities: %s\n", run.Entities)
	}
	for _, a := range run.Attempts {
		fmt.Fprintf(w, "\nAttempt %d: %s\n", a.Number, a.SQL)
		if a.ErrorMsg != "" {
			fmt.Fprintf(w, "  failed: %s\n", a.ErrorMsg)
		}
	}
	fmt.Fprintf(w, "\nAnswer:\n%s\n", run.Answer)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
