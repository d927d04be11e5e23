// Package gemini provides a model.Model backed by the Google Gen AI SDK
// (Gemini API or Vertex AI).
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"google.golang.org/genai"
)

// Options configures the Gemini adapter.
type Options struct {
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	APIKey          string
	// ClientConfig overrides the client configuration entirely when set.
	ClientConfig *genai.ClientConfig
}

// Model wraps genai.Client.Models behind the generic model.Model interface.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a Gemini model. It fails when the client cannot be built,
// e.g. because no API key is available.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := Options{
		Model:           "gemini-2.0-flash",
		Temperature:     0.7,
		MaxOutputTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.ClientConfig
	if cfg == nil {
		cfg = &genai.ClientConfig{APIKey: opts.APIKey, Backend: genai.BackendGeminiAPI}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Model{client: client, opts: opts}, nil
}

// Generate sends one GenerateContent request and normalizes the first candidate.
func (m *Model) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, buildContents(req.Contents), m.buildConfig(req))
	if err != nil {
		return model.Response{}, fmt.Errorf("gemini api error: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return model.Response{}, fmt.Errorf("gemini api error: no candidates returned")
	}

	out := convertCandidate(resp.Candidates[0])
	out.ID = resp.ResponseID
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &model.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(m.opts.Temperature),
		MaxOutputTokens: m.opts.MaxOutputTokens,
	}

	var system []string
	if req.Instructions != "" {
		system = append(system, req.Instructions)
	}
	for _, c := range req.Contents {
		if c.Role == core.RoleSystem {
			system = append(system, c.Text())
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		cfg.Tools = buildTools(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return cfg
}

// buildTools declares every tool in one genai.Tool; schemas pass through
// ParametersJsonSchema untouched.
func buildTools(defs []model.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 d.Function.Name,
			Description:          d.Function.Description,
			ParametersJsonSchema: d.Function.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func buildContents(contents []core.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		switch c.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			var parts []*genai.Part
			for _, p := range c.Parts {
				switch part := p.(type) {
				case core.TextPart:
					if part.Text != "" {
						parts = append(parts, genai.NewPartFromText(part.Text))
					}
				case core.FunctionCallPart:
					parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: argsMap(part.FunctionCall.Arguments),
					}})
				}
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case core.RoleTool:
			var parts []*genai.Part
			for _, p := range c.Parts {
				if fr, ok := p.(core.FunctionResponsePart); ok {
					parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
						ID:       fr.FunctionResponse.ID,
						Name:     fr.FunctionResponse.Name,
						Response: map[string]any{"output": fr.FunctionResponse.Content},
					}})
				}
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleUser))
			}
		default:
			if text := c.Text(); text != "" {
				out = append(out, genai.NewContentFromText(text, genai.RoleUser))
			}
		}
	}
	return out
}

// argsMap decodes call arguments for replay. Non-object payloads are wrapped
// so the history stays valid.
func argsMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"input": raw}
	}
	return m
}

// convertCandidate maps a candidate to a normalized response. Gemini reports
// STOP even when it requests functions, so calls force FinishToolCalls.
func convertCandidate(cand *genai.Candidate) model.Response {
	var parts []core.Part
	var text strings.Builder
	hasCalls := false

	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p.Text != "" && !p.Thought {
				text.WriteString(p.Text)
			}
			if p.FunctionCall != nil {
				hasCalls = true
				args, _ := json.Marshal(p.FunctionCall.Args)
				id := p.FunctionCall.ID
				if id == "" {
					id = core.NewID()
				}
				parts = append(parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
					ID:        id,
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				}})
			}
		}
	}
	if text.Len() > 0 {
		parts = append([]core.Part{core.TextPart{Text: text.String()}}, parts...)
	}

	finish := model.FinishStop
	switch {
	case hasCalls:
		finish = model.FinishToolCalls
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		finish = model.FinishLength
	case cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonStop:
		finish = string(cand.FinishReason)
	}

	return model.Response{
		Content:      core.Content{Role: core.RoleAssistant, Parts: parts},
		FinishReason: finish,
	}
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "gemini",
		SupportsTools: true,
	}
}
