package client

import (
	"context"
	"fmt"

	"github.com/bilbo-22/familist/pkg/model"
)

// Transcriber turns a voice recording into item texts.
type Transcriber interface {
	Extract(ctx context.Context, audio []byte, mimeType string) ([]string, error)
}

// AddFromAudio transcribes audio and adds the result to the selected list. A transcription
// failure leaves the items untouched.
func (c *Client) AddFromAudio(ctx context.Context, t Transcriber, audio []byte, mimeType string) ([]model.Item, error) {
	if c.view.State().Selected == "" {
		return nil, ErrNoListSelected
	}
	texts, err := t.Extract(ctx, audio, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe: %w", err)
	}
	return c.AddItems(ctx, texts)
}
