package services

import (
	"strings"

	"github.com/MegaGrindStone/relaychat/internal/models"
)

// Parameters are the optional sampling parameters of a provider. Nil fields keep the provider's
// default.
type Parameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
}

func (p Parameters) ollamaOptions() map[string]any {
	opts := make(map[string]any)
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// thinkSplitter separates inline <think> blocks of a streamed text into reasoning contents. A tag
// split across chunks is held back until the next chunk completes or rules it out.
type thinkSplitter struct {
	inside  bool
	pending string
}

func (s *thinkSplitter) split(chunk string) []models.Content {
	s.pending += chunk

	var out []models.Content
	for {
		tag := models.ReasoningOpen
		if s.inside {
			tag = models.ReasoningClose
		}

		if i := strings.Index(s.pending, tag); i != -1 {
			out = s.emit(out, s.pending[:i])
			s.pending = s.pending[i+len(tag):]
			s.inside = !s.inside
			continue
		}

		keep := partialTagSuffix(s.pending, tag)
		out = s.emit(out, s.pending[:len(s.pending)-keep])
		s.pending = s.pending[len(s.pending)-keep:]
		return out
	}
}

// flush returns whatever is still held back at the end of the stream.
func (s *thinkSplitter) flush() []models.Content {
	out := s.emit(nil, s.pending)
	s.pending = ""
	return out
}

func (s *thinkSplitter) emit(out []models.Content, text string) []models.Content {
	if text == "" {
		return out
	}
	typ := models.ContentTypeText
	if s.inside {
		typ = models.ContentTypeReasoning
	}
	return append(out, models.Content{Type: typ, Text: text})
}

// partialTagSuffix returns the length of the longest suffix of s that is a proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
