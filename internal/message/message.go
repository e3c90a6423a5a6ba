// Package message renders the text tide publishes: review titles and
// bodies, and subtask commit messages. Templates are text/template files
// embedded at compile time.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// Render executes the template id with data.
func Render(id ID, data any) (string, error) {
	if err := validateData(id, data); err != nil {
		return "", err
	}
	tmpl, err := globalRegistry.get(id)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Join(ErrTemplateExecution, fmt.Errorf("message %s: %w", id, err))
	}
	return buf.String(), nil
}

// MustRender is Render for known-good data; it panics on error.
func MustRender(id ID, data any) string {
	out, err := Render(id, data)
	if err != nil {
		panic(fmt.Sprintf("message.MustRender(%s): %v", id, err))
	}
	return out
}

// Review renders the title and body of a review.
func Review(data ReviewData) (title, body string, err error) {
	if title, err = Render(ReviewTitle, data); err != nil {
		return "", "", err
	}
	if body, err = Render(ReviewBody, data); err != nil {
		return "", "", err
	}
	return title, body, nil
}

// Commit renders the commit message of one subtask.
func Commit(subtaskID, description string) string {
	return MustRender(CommitMessage, CommitData{SubtaskID: subtaskID, Description: description})
}

// List returns every registered template id, sorted.
func List() []ID {
	ids := globalRegistry.list()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func validateData(id ID, data any) error {
	var ok bool
	switch id {
	case ReviewTitle, ReviewBody:
		_, ok = data.(ReviewData)
	case CommitMessage:
		_, ok = data.(CommitData)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s got %T", ErrInvalidData, id, data)
	}
	return nil
}
