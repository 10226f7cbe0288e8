package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && !color.NoColor && cmd.OutOrStdout() == os.Stdout,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(color.New(color.FgGreen), format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(color.New(color.FgRed), format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(color.New(color.FgYellow), format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(color.New(color.FgCyan), format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(color.New(color.Bold), format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(color.New(color.Faint), format, args...)
}

func (o *Output) line(c *color.Color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if o.colorEnabled {
		c.EnableColor()
		fmt.Fprintln(o.writer, c.Sprint(msg))
		return
	}
	fmt.Fprintln(o.writer, msg)
}

// Green returns green colored text.
func (o *Output) Green(s string) string {
	return o.paint(color.FgGreen, s)
}

// Red returns red colored text.
func (o *Output) Red(s string) string {
	return o.paint(color.FgRed, s)
}

// Yellow returns yellow colored text.
func (o *Output) Yellow(s string) string {
	return o.paint(color.FgYellow, s)
}

func (o *Output) paint(attr color.Attribute, s string) string {
	if !o.colorEnabled {
		return s
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

// Table renders rows under header.
func (o *Output) Table(header table.Row, rows []table.Row, rightAlign ...int) {
	t := table.NewWriter()
	t.SetOutputMirror(o.writer)
	t.SetStyle(table.StyleRounded)
	if !o.colorEnabled {
		t.SetStyle(table.StyleLight)
	}
	t.AppendHeader(header)
	t.AppendRows(rows)

	configs := make([]table.ColumnConfig, 0, len(rightAlign))
	for _, n := range rightAlign {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	t.SetColumnConfigs(configs)
	t.Render()
}
