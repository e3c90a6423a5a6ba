package tui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Output writes command results as styled text or as JSON.
type Output interface {
	Success(msg string)
	Error(err error)
	Warning(msg string)
	Info(msg string)
	Table(headers []string, rows [][]string)
	JSON(v any) error
}

// NewOutput returns JSON output for format "json" and styled text otherwise.
func NewOutput(w io.Writer, format string) Output {
	if format == "json" {
		return NewJSONOutput(w)
	}
	return NewTTYOutput(w)
}

// TTYOutput renders styled text.
type TTYOutput struct {
	w      io.Writer
	styles *OutputStyles
}

// NewTTYOutput creates a TTYOutput, honoring NO_COLOR.
func NewTTYOutput(w io.Writer) *TTYOutput {
	CheckNoColor()
	return &TTYOutput{w: w, styles: NewOutputStyles()}
}

// Success implements Output.
func (o *TTYOutput) Success(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Success.Render("✓ "+msg))
}

// Error prints the error and, when it carries one, the remediation.
func (o *TTYOutput) Error(err error) {
	_, _ = fmt.Fprintln(o.w, o.styles.Error.Render("✗ "+err.Error()))
	if r := remediation(err); r != "" {
		_, _ = fmt.Fprintln(o.w, o.styles.Dim.Render("  ▸ Try: "+r))
	}
}

// Warning implements Output.
func (o *TTYOutput) Warning(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Warning.Render("⚠ "+msg))
}

// Info implements Output.
func (o *TTYOutput) Info(msg string) {
	_, _ = fmt.Fprintln(o.w, o.styles.Info.Render(msg))
}

// Table implements Output.
func (o *TTYOutput) Table(headers []string, rows [][]string) {
	renderTable(o.w, o.styles.Header, headers, rows)
}

// JSON implements Output.
func (o *TTYOutput) JSON(v any) error {
	return encodeJSON(o.w, v)
}

// JSONOutput writes one JSON document per message.
type JSONOutput struct {
	w   io.Writer
	enc *json.Encoder
}

// NewJSONOutput creates a JSONOutput.
func NewJSONOutput(w io.Writer) *JSONOutput {
	return &JSONOutput{w: w, enc: json.NewEncoder(w)}
}

type jsonMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type jsonError struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	SpecID      string `json:"spec_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Wave        int    `json:"wave,omitempty"`
	Phase       string `json:"phase,omitempty"`
}

// Success implements Output.
func (o *JSONOutput) Success(msg string) {
	_ = o.enc.Encode(jsonMessage{Type: "success", Message: msg}) //nolint:errchkjson // no error return in the interface
}

// Error writes the error with its location and remediation when known.
func (o *JSONOutput) Error(err error) {
	out := jsonError{Type: "error", Message: err.Error(), Remediation: remediation(err)}
	var oe *tideerrors.OrchestrationError
	if errors.As(err, &oe) {
		out.SpecID, out.TaskID, out.Wave, out.Phase = oe.SpecID, oe.TaskID, oe.Wave, oe.Phase
	}
	_ = o.enc.Encode(out) //nolint:errchkjson // no error return in the interface
}

// Warning implements Output.
func (o *JSONOutput) Warning(msg string) {
	_ = o.enc.Encode(jsonMessage{Type: "warning", Message: msg}) //nolint:errchkjson // no error return in the interface
}

// Info implements Output.
func (o *JSONOutput) Info(msg string) {
	_ = o.enc.Encode(jsonMessage{Type: "info", Message: msg}) //nolint:errchkjson // no error return in the interface
}

// Table writes the rows as an array of objects keyed by header.
func (o *JSONOutput) Table(headers []string, rows [][]string) {
	out := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				obj[h] = row[i]
			} else {
				obj[h] = ""
			}
		}
		out = append(out, obj)
	}
	_ = o.enc.Encode(out) //nolint:errchkjson // no error return in the interface
}

// JSON implements Output.
func (o *JSONOutput) JSON(v any) error {
	return encodeJSON(o.w, v)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// remediation prefers the remediation attached to the error and falls back
// to the generic advice for its sentinel.
func remediation(err error) string {
	_, action := tideerrors.Actionable(err)
	return action
}
