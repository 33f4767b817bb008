package llm

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

type PartKind int

const (
	PartText PartKind = iota + 1
	PartImage
)

// Part is one item of a prompt: either text or inline image bytes.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte
	MIMEType string
}

func Text(s string) Part {
	return Part{Kind: PartText, Text: s}
}

func Image(data []byte, mimeType string) Part {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return Part{Kind: PartImage, Data: data, MIMEType: mimeType}
}

func CountImages(parts []Part) int {
	n := 0
	for _, p := range parts {
		if p.Kind == PartImage {
			n++
		}
	}
	return n
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Result is a model answer. A non-empty BlockReason means the backend refused
// the prompt on policy grounds and Text is empty.
type Result struct {
	Text        string
	BlockReason string
	Usage       Usage
	Duration    time.Duration
}

func (r Result) Blocked() bool {
	return r.BlockReason != ""
}

type Request struct {
	Model   string
	History []Message
	Parts   []Part
	// ThinkingBudget caps the model's thinking tokens. Nil keeps the model
	// default; 0 turns thinking off.
	ThinkingBudget *int
}

type Client interface {
	Respond(ctx context.Context, req Request) (Result, error)
}
